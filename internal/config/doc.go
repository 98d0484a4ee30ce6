// Package config loads the daemon configuration from a YAML file and fills
// sensible defaults for anything the operator leaves unset.
package config
