// Package config loads the control-plane configuration: built-in defaults,
// an optional YAML file, then HELMSMAN_* environment overrides, in that
// order of precedence.
package config
