// Package config loads the oracle daemon configuration from a YAML (or JSON)
// file and applies ORACLE_* environment overrides on top of it.
package config
