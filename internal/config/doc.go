// Package config provides centralized configuration management for the
// licensing service.
//
// # Configuration Sources
//
// Configuration is assembled from the following sources, lowest precedence
// first:
//
//	1. Default values (Default)
//	2. YAML file at AICHEMIST_CONFIG_FILE or <root>/config/licensing.yaml
//	3. Environment variables
//
// # Environment Variables
//
// All environment variables use the AICHEMIST_ prefix followed by the
// section and field name:
//
//	AICHEMIST_SERVER_PORT=8765
//	AICHEMIST_LICENSING_AUTHORITY_URL=https://licensing.aichemist.app
//	AICHEMIST_LICENSING_GRACE_WINDOW=168h
//	AICHEMIST_LICENSING_PUBLIC_KEY=<base64 ed25519 key>
//	AICHEMIST_LOGGING_LEVEL=debug
//	AICHEMIST_TELEMETRY_ENABLED=true
//
// # Validation
//
// Load validates the result with go-playground/validator struct tags and a
// few cross-field rules, and fails fast on invalid values.
package config
