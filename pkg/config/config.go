package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Reconciler   ReconcilerConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"SHIWU_APP_ENV" required:"true"`
	Port         string `envconfig:"SHIWU_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"SHIWU_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"SHIWU_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"SHIWU_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"SHIWU_DB_DSN"`
	Driver string `envconfig:"SHIWU_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"SHIWU_DB_HOST"`
	LegacyPort     int    `envconfig:"SHIWU_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"SHIWU_DB_USER"`
	LegacyPassword string `envconfig:"SHIWU_DB_PASSWORD"`
	LegacyName     string `envconfig:"SHIWU_DB_NAME"`
	LegacySSLMode  string `envconfig:"SHIWU_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"SHIWU_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"SHIWU_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"SHIWU_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"SHIWU_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"SHIWU_REDIS_URL" required:"true"`
	Address      string        `envconfig:"SHIWU_REDIS_ADDR"`
	Password     string        `envconfig:"SHIWU_REDIS_PASSWORD"`
	DB           int           `envconfig:"SHIWU_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"SHIWU_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"SHIWU_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"SHIWU_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"SHIWU_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"SHIWU_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// ReconcilerConfig tunes the payment timeout sweeper.
type ReconcilerConfig struct {
	SweepInterval  time.Duration `envconfig:"SHIWU_RECONCILER_SWEEP_INTERVAL" default:"1m"`
	ExpiryWindow   time.Duration `envconfig:"SHIWU_PAYMENT_EXPIRY_WINDOW" default:"15m"`
	ShutdownGrace  time.Duration `envconfig:"SHIWU_RECONCILER_SHUTDOWN_GRACE" default:"30s"`
	LockTTL        time.Duration `envconfig:"SHIWU_RECONCILER_LOCK_TTL" default:"5m"`
	SweepBatchSize int           `envconfig:"SHIWU_RECONCILER_SWEEP_BATCH_SIZE" default:"500"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"SHIWU_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"SHIWU_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
