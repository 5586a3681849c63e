package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("port %s, want %s", cfg.Port, DefaultPort)
	}
	if cfg.Network != DefaultNetwork {
		t.Errorf("network %s, want %s", cfg.Network, DefaultNetwork)
	}
	if cfg.PollInterval != 3*time.Second {
		t.Errorf("poll interval %v, want 3s", cfg.PollInterval)
	}
	if cfg.BidWindow != 10*time.Second {
		t.Errorf("bid window %v, want 10s", cfg.BidWindow)
	}
	if len(cfg.TaskTypes) != 1 || cfg.TaskTypes[0] != "price_data" {
		t.Errorf("task types %v, want [price_data]", cfg.TaskTypes)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9001")
	t.Setenv("TASK_TYPES", "price_data, analytics ,oracle_data")
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("CHAIN_ID", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Port != "9001" {
		t.Errorf("port %s, want 9001", cfg.Port)
	}
	if len(cfg.TaskTypes) != 3 || cfg.TaskTypes[1] != "analytics" {
		t.Errorf("task types %v", cfg.TaskTypes)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("poll interval %v", cfg.PollInterval)
	}
	if cfg.ChainID != 1 {
		t.Errorf("chain id %d", cfg.ChainID)
	}
}

func TestValidateWallet(t *testing.T) {
	cfg := &Config{RPCURL: "https://sepolia.base.org"}
	if err := cfg.ValidateWallet(); err == nil {
		t.Error("expected error for missing private key")
	}

	cfg.PrivateKey = "deadbeef"
	if err := cfg.ValidateWallet(); err == nil {
		t.Error("expected error for short key")
	}

	cfg.PrivateKey = "0x" + repeat64("a")
	if err := cfg.ValidateWallet(); err != nil {
		t.Errorf("0x-prefixed 64-char key should pass: %v", err)
	}

	cfg.PrivateKey = repeat64("a")
	if err := cfg.ValidateWallet(); err != nil {
		t.Errorf("bare 64-char key should pass: %v", err)
	}
}

func TestValidateAgent(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateAgent(); err == nil {
		t.Error("expected error for missing agent id")
	}

	cfg.AgentID = "provider_001"
	if err := cfg.ValidateAgent(); err == nil {
		t.Error("expected error for missing wallet address")
	}

	cfg.WalletAddress = "0x1111111111111111111111111111111111111111"
	if err := cfg.ValidateAgent(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func repeat64(s string) string {
	out := ""
	for i := 0; i < 64; i++ {
		out += s
	}
	return out
}
