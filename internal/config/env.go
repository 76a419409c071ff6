package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets and endpoints from the file.
const (
	EnvStorageDSN    = "DISPATCH_STORAGE_DSN"
	EnvStorageDriver = "DISPATCH_STORAGE_DRIVER"
	EnvAMQPURL       = "DISPATCH_AMQP_URL"
	EnvGatewayURL    = "DISPATCH_GATEWAY_URL"
	EnvGatewayAPIKey = "DISPATCH_GATEWAY_API_KEY"
	EnvOpsToken      = "DISPATCH_OPS_TOKEN"
	EnvLogLevel      = "DISPATCH_LOG_LEVEL"
)

// LoadEnvFiles loads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
// It returns the files that were actually loaded.
func LoadEnvFiles(paths ...string) ([]string, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var loaded []string
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return loaded, err
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}

// ApplyEnv copies DISPATCH_* overrides into cfg.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Storage.DSN, EnvStorageDSN)
	set(&cfg.Storage.Driver, EnvStorageDriver)
	set(&cfg.Bus.URL, EnvAMQPURL)
	set(&cfg.Channels.WhatsAppGateway.BaseURL, EnvGatewayURL)
	set(&cfg.Channels.WhatsAppGateway.APIKey, EnvGatewayAPIKey)
	set(&cfg.Ops.Token, EnvOpsToken)
	set(&cfg.Logging.Level, EnvLogLevel)
}
