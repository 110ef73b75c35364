package config

import (
	"testing"

	"github.com/spf13/viper"
)

func mandatoryEnv(v *viper.Viper) {
	v.Set("rabbitmq.host", "rmq.internal")
	v.Set("rabbitmq.port", 5672)
	v.Set("rabbitmq.user", "guest")
	v.Set("rabbitmq.password", "guest")
	v.Set("postgres.host", "pg.internal")
	v.Set("postgres.port", 5432)
	v.Set("postgres.user", "calibration")
	v.Set("postgres.password", "secret")
	v.Set("postgres.db", "calibration")
	v.Set("connections.base_url", "https://connections.internal")
	v.Set("email.sender", "reports@example.com")
	v.Set("email.password", "secret")
	v.Set("pod_name", "calibration-0")
}

func TestLoadWithViper_MissingMandatory(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	if _, err := LoadWithViper(v); err == nil {
		t.Fatal("LoadWithViper() expected error for missing mandatory env vars")
	}
}

func TestLoadWithViper_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	mandatoryEnv(v)

	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}

	if cfg.Tunables.UpperBoundClients != 100 {
		t.Errorf("UpperBoundClients = %d, want 100", cfg.Tunables.UpperBoundClients)
	}
	if cfg.Tunables.ClientTimeoutSeconds != 60 {
		t.Errorf("ClientTimeoutSeconds = %d, want 60", cfg.Tunables.ClientTimeoutSeconds)
	}
	if cfg.Thresholds.CalibrationLimit != 10 {
		t.Errorf("CalibrationLimit = %d, want 10", cfg.Thresholds.CalibrationLimit)
	}
	if cfg.Thresholds.UncertaintyLimit != 20 {
		t.Errorf("UncertaintyLimit = %d, want 20", cfg.Thresholds.UncertaintyLimit)
	}
	if cfg.Environment != Test {
		t.Errorf("Environment = %q, want %q", cfg.Environment, Test)
	}
	if cfg.IsProduction() {
		t.Error("IsProduction() = true, want false for default TEST environment")
	}
}

func TestConfig_StringRedactsSecrets(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	mandatoryEnv(v)
	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}

	s := cfg.String()
	if contains(s, "secret") {
		t.Errorf("String() leaked a secret: %s", s)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestRabbitMQConfig_URL(t *testing.T) {
	c := RabbitMQConfig{Host: "h", Port: 5672, User: "u", Password: "p"}
	want := "amqp://u:p@h:5672/"
	if got := c.URL(); got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
}

func TestPostgresConfig_DSN(t *testing.T) {
	c := PostgresConfig{Host: "h", Port: 5432, User: "u", Password: "p", DB: "d"}
	want := "postgres://u:p@h:5432/d?sslmode=disable"
	if got := c.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
