package gateway

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/nulzo/streamrelay/internal/config"
	"github.com/nulzo/streamrelay/internal/llm"
	"go.uber.org/zap"
)

// BootstrapProviders initializes and registers all enabled providers from configuration.
func BootstrapProviders(ctx context.Context, target ProviderRegistrar, providers []config.ProviderConfig, log *zap.Logger) int {
	registeredCount := 0
	validate := validator.New()

	for _, pCfg := range providers {
		if !pCfg.Enabled {
			continue
		}

		// Validate provider configuration individually
		if err := validate.Struct(&pCfg); err != nil {
			log.Warn("Skipping provider with invalid configuration",
				zap.String("id", pCfg.ID),
				zap.Error(err),
			)
			continue
		}

		factoryFunc, err := llm.Get(pCfg.Type)
		if err != nil {
			log.Error("Unknown provider type", zap.String("type", pCfg.Type))
			continue
		}

		providerInstance, err := factoryFunc(pCfg)
		if err != nil {
			log.Error("Failed to initialize provider",
				zap.String("id", pCfg.ID),
				zap.Error(err),
			)
			continue
		}

		if err := target.RegisterProvider(ctx, pCfg, providerInstance); err != nil {
			log.Error("Failed to register provider", zap.String("id", pCfg.ID), zap.Error(err))
			continue
		}

		registeredCount++
	}

	if registeredCount == 0 {
		log.Warn("No providers were registered. API will not function correctly.")
	}

	return registeredCount
}
