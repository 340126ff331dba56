// Package config loads hub configuration from defaults, an optional
// YAML file (HUBBLE_CONFIG_FILE), and HUBBLE_* environment overrides,
// in that order.
package config
