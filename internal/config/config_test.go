package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	data := `
api:
  port: 9090
mqtt:
  broker: tcp://broker:1883
  topic_prefix: plant
stats:
  intervals:
    CMD_PUSH_HEARTBEAT: 15s
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.Port != 9090 || cfg.MQTT.TopicPrefix != "plant" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.MQTT.Encoding != "hex" || cfg.Ingest.Workers != 8 || cfg.Dispatch.PublishTimeout != 5*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Stats.Intervals["CMD_PUSH_HEARTBEAT"] != 15*time.Second {
		t.Fatalf("interval override not parsed: %v", cfg.Stats.Intervals)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://gw@db/gw")
	t.Setenv("MQTT_BROKER", "tcp://env-broker:1883")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Parse([]byte("mqtt:\n  broker: tcp://file:1883\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Database.DSN != "postgres://gw@db/gw" || cfg.MQTT.Broker != "tcp://env-broker:1883" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.JWT.Secret != "s3cret" || cfg.Log.Level != "debug" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"zero interval", "stats:\n  intervals:\n    CMD_PUSH_AI1: 0s\n", "stats.intervals.CMD_PUSH_AI1"},
		{"bad encoding", "mqtt:\n  encoding: base64\n", "mqtt.encoding"},
		{"bad qos", "mqtt:\n  qos: 3\n", "mqtt.qos"},
		{"no workers", "ingest:\n  workers: 0\n", "ingest.workers"},
		{"bad port", "api:\n  port: 70000\n", "api.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
