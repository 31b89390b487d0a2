package config

import (
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	t.Setenv("USER_ID", "42")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if cfg.UserID != 42 {
		t.Errorf("UserID = %d, want 42", cfg.UserID)
	}
	if cfg.Broker.Kind != BrokerStomp {
		t.Errorf("Broker.Kind = %q, want %q", cfg.Broker.Kind, BrokerStomp)
	}
	if cfg.Broker.URL != "ws://localhost:8080/ws/websocket" {
		t.Errorf("Broker.URL = %q", cfg.Broker.URL)
	}
	if cfg.Broker.ReconnectDelay != 5*time.Second {
		t.Errorf("ReconnectDelay = %v, want 5s", cfg.Broker.ReconnectDelay)
	}
	if cfg.Broker.HeartBeat != 4*time.Second {
		t.Errorf("HeartBeat = %v, want 4s", cfg.Broker.HeartBeat)
	}
	if cfg.SetupTimeout != 45*time.Second {
		t.Errorf("SetupTimeout = %v, want 45s", cfg.SetupTimeout)
	}

	if len(cfg.ICEServers) != 1 {
		t.Fatalf("ICEServers len = %d, want 1", len(cfg.ICEServers))
	}
	want := []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
	}
	got := cfg.ICEServers[0].URLs
	if len(got) != len(want) {
		t.Fatalf("STUN urls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("STUN[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNewWithTurn(t *testing.T) {
	t.Setenv("USER_ID", "7")
	t.Setenv("TURN_URL", "turn:turn.example.com:3478")
	t.Setenv("TURN_USERNAME", "u")
	t.Setenv("TURN_PASSWORD", "p")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if len(cfg.ICEServers) != 2 {
		t.Fatalf("ICEServers len = %d, want 2", len(cfg.ICEServers))
	}
	if cfg.ICEServers[1].Username != "u" || cfg.ICEServers[1].Credential != "p" {
		t.Errorf("turn server = %+v", cfg.ICEServers[1])
	}
}

func TestNewRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing user", env: map[string]string{}},
		{name: "negative user", env: map[string]string{"USER_ID": "-1"}},
		{name: "unknown broker", env: map[string]string{"USER_ID": "1", "BROKER_KIND": "kafka"}},
		{name: "unknown media", env: map[string]string{"USER_ID": "1", "MEDIA_SOURCE": "webcam"}},
		{name: "unknown call log", env: map[string]string{"USER_ID": "1", "CALLLOG_DRIVER": "mysql"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("USER_ID", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			if _, err := New(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCallLogDSN(t *testing.T) {
	cfg := &Config{CallLog: CallLogConfig{Driver: CallLogPostgres}}
	cfg.Postgres = PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSL: "disable"}

	if got, want := cfg.CallLogDSN(), "postgresql://u:p@db:5432/n?sslmode=disable"; got != want {
		t.Errorf("CallLogDSN = %q, want %q", got, want)
	}

	cfg.CallLog.DSN = "explicit"
	if got := cfg.CallLogDSN(); got != "explicit" {
		t.Errorf("CallLogDSN = %q, want explicit", got)
	}
}
