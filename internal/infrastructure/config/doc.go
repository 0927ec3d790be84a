// Package config loads and validates V900 Core configuration.
//
// Values are resolved in three layers: built-in defaults, the YAML file,
// then V900_* environment variables. Validate reports every problem found
// in one error rather than stopping at the first.
//
// Device tokens listed under auth.tokens are only used to seed the token
// store; keep the config file at 0600 when it carries them.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	addr := cfg.ServerAddress()
package config
