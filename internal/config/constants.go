package config

import "time"

// Application constants
const (
	AppName    = "AiChemist Transmutations"
	AppDirName = "AiChemistTransmutations"

	// EnvPrefix namespaces every environment variable, e.g. AICHEMIST_SERVER_PORT.
	EnvPrefix = "AICHEMIST"

	StateFileName  = "activation.json"
	ConfigFileName = "licensing.yaml"
	LogFileName    = "licensing.log"
)

// Licensing defaults
const (
	DefaultAuthorityURL       = "https://licensing.aichemist.app"
	DefaultRequestTimeout     = 10 * time.Second
	DefaultRetryBackoff       = 500 * time.Millisecond
	DefaultGraceWindow        = 7 * 24 * time.Hour
	DefaultRevalidateInterval = 6 * time.Hour
	DefaultCheckTimeout       = 30 * time.Second
)

// Local API defaults. The service only listens on loopback unless told otherwise.
const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 8765
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 45 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)
