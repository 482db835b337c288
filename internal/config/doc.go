// Package config loads and validates clawboard configuration from a YAML
// file with ${VAR} environment expansion, plus direct environment overrides
// for the gateway settings so the bridge can run without a config file.
package config
