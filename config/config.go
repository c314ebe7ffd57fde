package config

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every setting the service reads from the environment.
// Keys map to PROGRESSION_<KEY> env vars, e.g. PROGRESSION_DATABASE_URL.
type Config struct {
	DatabaseDriver string
	DatabaseURL    string

	Port           string
	ServiceToken   string
	AllowedOrigins []string

	GeneratorURL   string
	GeneratorToken string

	DispatchInterval        time.Duration
	DispatchBatch           int
	DispatchMaxAttempts     int
	DispatchLease           time.Duration
	DispatchCallbackTimeout time.Duration // accepted requests wait this long for a callback
	ReconcileInterval       time.Duration

	RetryMaxAttempts int
	RetryInitialWait time.Duration
	RetryMaxWait     time.Duration

	R2AccountID       string
	R2AccessKeyID     string
	R2AccessKeySecret string
	R2Bucket          string
	CDNBaseURL        string
}

// Init wires viper to the environment. Safe to call more than once.
func Init() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	viper.SetEnvPrefix("PROGRESSION")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("database-driver", "postgres")
	viper.SetDefault("port", "5300")
	viper.SetDefault("allowed-origins", "http://localhost:3000")
	viper.SetDefault("dispatch-interval", "15s")
	viper.SetDefault("dispatch-batch", 10)
	viper.SetDefault("dispatch-max-attempts", 5)
	viper.SetDefault("dispatch-lease", "5m")
	viper.SetDefault("dispatch-callback-timeout", "1h")
	viper.SetDefault("reconcile-interval", "10m")
	viper.SetDefault("retry-max-attempts", 5)
	viper.SetDefault("retry-initial-wait", "20ms")
	viper.SetDefault("retry-max-wait", "500ms")
}

// Load reads the current viper state into a Config.
func Load() Config {
	cfg := Config{
		DatabaseDriver: viper.GetString("database-driver"),
		DatabaseURL:    viper.GetString("database-url"),

		Port:           viper.GetString("port"),
		ServiceToken:   viper.GetString("service-token"),
		AllowedOrigins: splitList(viper.GetString("allowed-origins")),

		GeneratorURL:   strings.TrimRight(viper.GetString("generator-url"), "/"),
		GeneratorToken: viper.GetString("generator-token"),

		DispatchInterval:        viper.GetDuration("dispatch-interval"),
		DispatchBatch:           viper.GetInt("dispatch-batch"),
		DispatchMaxAttempts:     viper.GetInt("dispatch-max-attempts"),
		DispatchLease:           viper.GetDuration("dispatch-lease"),
		DispatchCallbackTimeout: viper.GetDuration("dispatch-callback-timeout"),
		ReconcileInterval:       viper.GetDuration("reconcile-interval"),

		RetryMaxAttempts: viper.GetInt("retry-max-attempts"),
		RetryInitialWait: viper.GetDuration("retry-initial-wait"),
		RetryMaxWait:     viper.GetDuration("retry-max-wait"),

		R2AccountID:       viper.GetString("r2-account-id"),
		R2AccessKeyID:     viper.GetString("r2-access-key-id"),
		R2AccessKeySecret: viper.GetString("r2-access-key-secret"),
		R2Bucket:          viper.GetString("r2-bucket"),
		CDNBaseURL:        viper.GetString("cdn-base-url"),
	}
	if cfg.GeneratorToken == "" {
		cfg.GeneratorToken = cfg.ServiceToken
	}
	return cfg
}

// Validate checks the settings needed to open the database.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("PROGRESSION_DATABASE_URL environment variable not set")
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return errors.New("PROGRESSION_DATABASE_DRIVER must be postgres or sqlite")
	}
	return nil
}

// ValidateServe additionally checks what the HTTP server needs.
func (c Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ServiceToken == "" {
		return errors.New("PROGRESSION_SERVICE_TOKEN is not set, service cannot authenticate Gateway")
	}
	return nil
}

// R2Enabled reports whether badge icons go to R2 instead of local disk.
func (c Config) R2Enabled() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2AccessKeySecret != "" && c.R2Bucket != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
