package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/hashicorp/go-version"
	"github.com/spf13/cobra"
)

const releasesURL = "https://api.github.com/repos/nulzo/streamrelay/releases/latest"

type githubRelease struct {
	TagName string `json:"tag_name"`
}

var checkUpdates bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Printf("streamrelay %s\n", AppVersion)
		if !checkUpdates {
			return nil
		}

		latest, err := latestRelease(releasesURL)
		if err != nil {
			return fmt.Errorf("failed to check for updates: %w", err)
		}
		outdated, err := isOutdated(AppVersion, latest)
		if err != nil {
			return err
		}

		if outdated {
			color.Yellow("You are running an outdated version (%s). The latest version is %s.", AppVersion, latest)
		} else {
			color.Green("You are running the latest version.")
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&checkUpdates, "check", false, "compare against the latest GitHub release")
}

func latestRelease(url string) (string, error) {
	client := http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", err
	}
	return release.TagName, nil
}

func isOutdated(current, latest string) (bool, error) {
	cur, err := version.NewVersion(current)
	if err != nil {
		return false, fmt.Errorf("invalid current version %q: %w", current, err)
	}
	lat, err := version.NewVersion(latest)
	if err != nil {
		return false, fmt.Errorf("invalid release version %q: %w", latest, err)
	}
	return cur.LessThan(lat), nil
}
