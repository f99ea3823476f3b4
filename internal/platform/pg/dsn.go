// Package pg provides the Postgres connection layer used when the
// engine runs with STORE_DRIVER=postgres: DSN construction, pool
// creation and startup health checking on pgx.
package pg

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DSNConfig holds the parts of a Postgres connection string.
type DSNConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// ApplicationName shows up in pg_stat_activity; the engine sets
	// it so operators can tell scheduler connections apart.
	ApplicationName string
	ConnectTimeout  int
}

// BuildDSN assembles a postgres:// URL from config, defaulting host,
// port and sslmode.
func BuildDSN(cfg DSNConfig) string {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}

	var dsn strings.Builder
	dsn.WriteString("postgres://")
	if cfg.User != "" {
		dsn.WriteString(url.QueryEscape(cfg.User))
		if cfg.Password != "" {
			dsn.WriteString(":")
			dsn.WriteString(url.QueryEscape(cfg.Password))
		}
		dsn.WriteString("@")
	}
	dsn.WriteString(cfg.Host)
	dsn.WriteString(":")
	dsn.WriteString(strconv.Itoa(cfg.Port))
	if cfg.Database != "" {
		dsn.WriteString("/")
		dsn.WriteString(url.QueryEscape(cfg.Database))
	}

	params := url.Values{}
	params.Set("sslmode", cfg.SSLMode)
	if cfg.ApplicationName != "" {
		params.Set("application_name", cfg.ApplicationName)
	}
	if cfg.ConnectTimeout > 0 {
		params.Set("connect_timeout", strconv.Itoa(cfg.ConnectTimeout))
	}
	dsn.WriteString("?")
	dsn.WriteString(params.Encode())
	return dsn.String()
}

// ValidateConfig checks that cfg can produce a usable DSN.
func ValidateConfig(cfg DSNConfig) error {
	if cfg.User == "" {
		return fmt.Errorf("user is required")
	}
	if cfg.Database == "" {
		return fmt.Errorf("database is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", cfg.Port)
	}
	switch cfg.SSLMode {
	case "", "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("invalid sslmode: %s", cfg.SSLMode)
	}
	return nil
}
