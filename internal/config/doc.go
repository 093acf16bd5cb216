// Package config loads and validates the YAML client configuration.
//
// Environment variables in ${VAR} form are expanded before parsing, and
// duration fields are written as Go duration strings ("30s", "10m").
// Validation runs at load time so a misconfigured client fails before
// it ever dials the gateway.
package config
