package validator

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	trans ut.Translator
	once  sync.Once
)

// InitValidator configures gin's validator engine to report json field names
// with English messages. It is safe to call more than once.
func InitValidator() {
	once.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		locale := en.New()
		uni := ut.New(locale, locale)
		trans, _ = uni.GetTranslator("en")

		_ = en_translations.RegisterDefaultTranslations(v, trans)
	})
}

// Validate runs the binding rules of obj and returns the failures keyed by
// field, or nil.
func Validate(obj any) map[string]string {
	if err := binding.Validator.ValidateStruct(obj); err != nil {
		return ParseValidationError(err)
	}
	return nil
}

// ParseValidationError converts raw technical errors into a clean map.
func ParseValidationError(err error) map[string]string {
	errMap := make(map[string]string)

	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		for _, e := range validationErrors {
			ns := e.Namespace()

			if i := strings.Index(ns, "."); i != -1 {
				ns = ns[i+1:]
			}

			msg := e.Error()
			if trans != nil {
				msg = e.Translate(trans)
			}

			if e.Tag() == "oneof" {
				msg = fmt.Sprintf("must be one of [%s]", strings.ReplaceAll(e.Param(), " ", ", "))
			}

			errMap[ns] = msg
		}
		return errMap
	}

	errMap["body"] = "Invalid request body format. Please fix your payload."
	return errMap
}
