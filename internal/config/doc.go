// Package config loads and validates YAML configuration for the feedmux
// CLIs. Files may reference environment variables with ${VAR} syntax;
// they are expanded before parsing.
package config
