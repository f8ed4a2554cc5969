package config

import (
	"testing"
	"time"

	"codepair/internal/sandbox"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "SANDBOX_ORDER", "HOSTED", "EXECUTION_TIMEOUT", "REDIS_ADDR", "DATABASE_URL", "ROOM_GRACE_PERIOD"} {
		t.Setenv(key, "")
	}

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.HTTP.Port != 8420 {
		t.Errorf("expected port 8420, got %d", cfg.HTTP.Port)
	}
	if cfg.Relay.GracePeriod != 60*time.Second {
		t.Errorf("expected 60s grace period, got %s", cfg.Relay.GracePeriod)
	}
	if len(cfg.Sandbox.Order) != len(sandbox.DefaultOrder) || cfg.Sandbox.Order[0] != sandbox.KindContainer {
		t.Errorf("expected default chain order, got %v", cfg.Sandbox.Order)
	}
	if cfg.Sandbox.Hosted || cfg.Redis.Addr != "" {
		t.Errorf("expected local deployment without redis: %+v", cfg)
	}
	if cfg.Sandbox.Pool.IdleTimeout != 20*time.Minute || cfg.Sandbox.Pool.MaxLifetime != 25*time.Minute {
		t.Errorf("unexpected pool defaults: %+v", cfg.Sandbox.Pool)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("SANDBOX_ORDER", "judge, local")
	t.Setenv("HOSTED", "true")
	t.Setenv("EXECUTION_TIMEOUT", "3s")
	t.Setenv("ROOM_GRACE_PERIOD", "not-a-duration")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.HTTP.Port != 9000 || !cfg.Sandbox.Hosted || cfg.Sandbox.Timeout != 3*time.Second {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if len(cfg.Sandbox.Order) != 2 || cfg.Sandbox.Order[0] != sandbox.KindJudge {
		t.Errorf("unexpected order: %v", cfg.Sandbox.Order)
	}
	if cfg.Relay.GracePeriod != 60*time.Second {
		t.Errorf("expected fallback on unparsable duration, got %s", cfg.Relay.GracePeriod)
	}
}

func TestFromEnv_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"port":  {"PORT": "70000"},
		"order": {"SANDBOX_ORDER": "container,gpu"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := FromEnv(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
