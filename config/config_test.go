package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("PROGRESSION_DATABASE_URL", "file::memory:")
	t.Setenv("PROGRESSION_DATABASE_DRIVER", "sqlite")
	t.Setenv("PROGRESSION_SERVICE_TOKEN", "secret")
	t.Setenv("PROGRESSION_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("PROGRESSION_GENERATOR_URL", "http://gen.local/")
	t.Setenv("PROGRESSION_DISPATCH_INTERVAL", "3s")

	Init()
	cfg := Load()

	require.NoError(t, cfg.ValidateServe())
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "http://gen.local", cfg.GeneratorURL)
	assert.Equal(t, "secret", cfg.GeneratorToken, "generator token falls back to the service token")
	assert.Equal(t, 3*time.Second, cfg.DispatchInterval)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, "5300", cfg.Port)
	assert.Equal(t, time.Hour, cfg.DispatchCallbackTimeout)
	assert.False(t, cfg.R2Enabled())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		serve   bool
		wantErr bool
	}{
		{name: "missing dsn", cfg: Config{DatabaseDriver: "postgres"}, wantErr: true},
		{name: "bad driver", cfg: Config{DatabaseDriver: "mysql", DatabaseURL: "x"}, wantErr: true},
		{name: "ok for migrate", cfg: Config{DatabaseDriver: "postgres", DatabaseURL: "x"}},
		{name: "serve without token", cfg: Config{DatabaseDriver: "postgres", DatabaseURL: "x"}, serve: true, wantErr: true},
		{name: "serve with token", cfg: Config{DatabaseDriver: "sqlite", DatabaseURL: "x", ServiceToken: "t"}, serve: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.serve {
				err = tt.cfg.ValidateServe()
			} else {
				err = tt.cfg.Validate()
			}
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
