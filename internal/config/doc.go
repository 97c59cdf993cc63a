// Package config provides configuration loading and validation for the whisper
// stream service. It handles YAML-based configuration with struct validation and
// applies the documented deployment environment overrides (WHISPER_MODEL,
// MAX_CLIENTS, MAX_CONNECTION_TIME, PORT) on top of the file values.
package config
