package config

const (
	EnvPrefix = "SHIWU"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "SHIWU_DB_DSN"
	EnvDBHost = "SHIWU_DB_HOST"
	EnvDBUser = "SHIWU_DB_USER"
	EnvDBName = "SHIWU_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
