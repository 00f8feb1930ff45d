package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Automation.Workers != 4 || cfg.Automation.QueueSize != 256 {
		t.Errorf("unexpected automation defaults: %+v", cfg.Automation)
	}
	if cfg.Automation.ActionTimeout != 30*time.Second {
		t.Errorf("expected 30s action timeout, got %s", cfg.Automation.ActionTimeout)
	}
	if cfg.Automation.NoReplyScanInterval != time.Hour {
		t.Errorf("expected hourly no-reply scan, got %s", cfg.Automation.NoReplyScanInterval)
	}
	if cfg.Automation.CleanupInterval != 24*time.Hour {
		t.Errorf("expected daily cleanup, got %s", cfg.Automation.CleanupInterval)
	}
	if cfg.Automation.RetentionDays != 90 {
		t.Errorf("expected 90 day retention, got %d", cfg.Automation.RetentionDays)
	}
	if cfg.Automation.RetryFailedContexts {
		t.Error("expected retry of failed contexts to be off by default")
	}
	if cfg.Redis.Enabled || cfg.RabbitMQ.Enabled || cfg.SMTP.Enabled {
		t.Error("expected optional integrations to be disabled by default")
	}
	if cfg.Database.Name != "flowcrm" {
		t.Errorf("expected default database flowcrm, got %s", cfg.Database.Name)
	}
}

func TestLoadAppliesOverrides(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("server.port", 9999)
	viper.Set("automation.workers", 8)
	viper.Set("automation.retryfailedcontexts", true)

	cfg := Load()
	if cfg.Server.Port != 9999 {
		t.Errorf("expected overridden port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Automation.Workers != 8 {
		t.Errorf("expected overridden workers 8, got %d", cfg.Automation.Workers)
	}
	if !cfg.Automation.RetryFailedContexts {
		t.Error("expected overridden retry flag true")
	}
	// Untouched keys keep their defaults.
	if cfg.Automation.QueueSize != 256 {
		t.Errorf("expected default queue size 256, got %d", cfg.Automation.QueueSize)
	}
}
