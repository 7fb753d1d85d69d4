// Package config loads the streaming client's YAML configuration.
//
// Values may reference environment variables as ${VAR}; LoadDotEnv can
// populate them from a .env file first. LoadAndValidate applies defaults
// and rejects incomplete configurations.
package config
