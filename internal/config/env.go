package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "FLEETSYNC_CONFIG"
	EnvServerURL = "FLEETSYNC_SERVER_URL"
	EnvToken     = "FLEETSYNC_TOKEN"
	EnvDBPath    = "FLEETSYNC_DB_PATH"
)

// EnvOverrides holds values derived from environment variables.
// These are resolved by ReadEnvOverrides and made available to callers.
// The token override exists so deployments can keep the credential out of
// the config file entirely.
type EnvOverrides struct {
	ConfigPath string // FLEETSYNC_CONFIG: override config file path
	ServerURL  string // FLEETSYNC_SERVER_URL: override server base URL
	Token      string // FLEETSYNC_TOKEN: override bearer token
	DBPath     string // FLEETSYNC_DB_PATH: override queue database path
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		ServerURL:  os.Getenv(EnvServerURL),
		Token:      os.Getenv(EnvToken),
		DBPath:     os.Getenv(EnvDBPath),
	}
}
