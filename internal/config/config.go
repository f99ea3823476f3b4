package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration values.
type Config struct {
	Env   string `validate:"required,oneof=dev prod"`
	Store struct {
		Driver  string `validate:"required,oneof=sqlite postgres"`
		DataDir string
		PG      struct {
			Host     string
			Port     int
			User     string
			Password string
			Database string
			SSLMode  string
		}
	}
	Engine struct {
		TickInterval  time.Duration `validate:"required,min=1s"`
		Workers       int           `validate:"required,min=1"`
		RetentionDays int           `validate:"required,min=1"`
		Partitions    []string
	}
	HTTP struct {
		Addr string `validate:"required"`
	}
	Telegram struct {
		Token string
	}
	Webhook struct {
		Timeout time.Duration `validate:"required,min=1s"`
		Retries int           `validate:"min=0"`
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	c.Env = getenv("ENV", "prod")
	c.Store.Driver = strings.ToLower(getenv("STORE_DRIVER", "sqlite"))
	c.Store.DataDir = getenv("DATA_DIR", "data")
	c.Store.PG.Host = getenv("PG_HOST", "localhost")
	c.Store.PG.Port = getenvInt("PG_PORT", 5432)
	c.Store.PG.User = os.Getenv("PG_USER")
	c.Store.PG.Password = os.Getenv("PG_PASSWORD")
	c.Store.PG.Database = os.Getenv("PG_DATABASE")
	c.Store.PG.SSLMode = getenv("PG_SSLMODE", "disable")
	c.Engine.TickInterval = getenvDuration("TICK_INTERVAL", 15*time.Second)
	c.Engine.Workers = getenvInt("WORKERS", 4)
	c.Engine.RetentionDays = getenvInt("RUN_RETENTION_DAYS", 30)
	c.Engine.Partitions = splitList(os.Getenv("PARTITIONS"))
	c.HTTP.Addr = getenv("HTTP_ADDR", ":8080")
	c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	c.Webhook.Timeout = getenvDuration("WEBHOOK_TIMEOUT", 15*time.Second)
	c.Webhook.Retries = getenvInt("WEBHOOK_RETRIES", 2)
	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/engine.log")

	if err := validate.Struct(c); err != nil {
		return Config{}, err
	}
	if c.Store.Driver == "postgres" {
		if c.Store.PG.User == "" || c.Store.PG.Database == "" {
			return Config{}, errors.New("PG_USER and PG_DATABASE required when STORE_DRIVER=postgres")
		}
	}
	return c, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
