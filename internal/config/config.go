// Package config loads download options from defaults, a YAML file and
// GETMUX_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"github.com/lvcoi/getmux/internal/downloader"
)

const (
	envVarPrefix = "GETMUX"
	appName      = "getmux"
)

// DefaultPath is the config file read when neither an explicit path nor
// GETMUX_CONFIG_FILE is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, appName, "config.yaml")
}

// Load returns the download options. An explicit path or GETMUX_CONFIG_FILE
// must exist; the default path may be missing.
func Load(path string) (downloader.Options, error) {
	opts := downloader.DefaultOptions()

	required := true
	if path == "" {
		path = os.Getenv(envVarPrefix + "_CONFIG_FILE")
	}
	if path == "" {
		path, required = DefaultPath(), false
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.UnmarshalStrict(data, &opts); err != nil {
				return opts, fmt.Errorf("unmarshaling config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return opts, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := envconfig.Process(envVarPrefix, &opts); err != nil {
		return opts, fmt.Errorf("parsing environment variables: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}
