package config

import "time"

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	MetricsPath       string        `yaml:"metrics_path"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the persistence backend. Driver "memory" keeps
// everything in process and ignores the pool settings.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// AutoMigrate applies pending migrations on serve.
	AutoMigrate bool `yaml:"auto_migrate"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}
