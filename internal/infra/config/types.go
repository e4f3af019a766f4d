package config

// Environment identifies the runtime environment the view processor runs in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Log output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)
