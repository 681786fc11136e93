// Package config provides environment-based configuration.
//
// Loads from .env file (godotenv), maps to Config struct via go-simpler/env
// struct tags. Validates required fields and relay settings at startup so a
// misconfigured relay fails fast instead of degrading per send.
package config
