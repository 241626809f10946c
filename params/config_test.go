package params

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfigHasSaneValues(t *testing.T) {
	cfg := Default()
	if len(cfg.Consensus.Validators) != 4 {
		t.Errorf("default validator set size = %d, want 4", len(cfg.Consensus.Validators))
	}
	if cfg.Consensus.PacemakerT0 != 500*time.Millisecond {
		t.Errorf("PacemakerT0 = %v, want 500ms", cfg.Consensus.PacemakerT0)
	}
	if cfg.Node.APIListenAddr != ":26657" {
		t.Errorf("APIListenAddr = %q, want :26657", cfg.Node.APIListenAddr)
	}
}

func clearConsensusEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"CONSENSUS_PACEMAKER_T0_MS", "CONSENSUS_CHECKPOINT_INTERVAL", "CONSENSUS_WATERMARK_WINDOW",
		"CONSENSUS_SYNC_DEADLINE_MS", "CONSENSUS_VERIFY_WORKERS", "CONSENSUS_VALIDATORS",
		"NODE_DATA_DIR", "NODE_LISTEN_ADDR", "NODE_API_LISTEN_ADDR", "NODE_DECISION_LOG", "NODE_BOOTSTRAP_PEERS",
	}
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	clearConsensusEnv(t)
	os.Setenv("CONSENSUS_PACEMAKER_T0_MS", "750")
	os.Setenv("CONSENSUS_CHECKPOINT_INTERVAL", "50")
	os.Setenv("CONSENSUS_WATERMARK_WINDOW", "300")
	os.Setenv("CONSENSUS_VALIDATORS", "nodeA,nodeB,nodeC")
	os.Setenv("NODE_API_LISTEN_ADDR", ":9000")
	os.Setenv("NODE_BOOTSTRAP_PEERS", "/ip4/1.2.3.4/tcp/26656,/ip4/5.6.7.8/tcp/26656")

	cfg := LoadFromEnv("/nonexistent/.env")

	if cfg.Consensus.PacemakerT0 != 750*time.Millisecond {
		t.Errorf("PacemakerT0 = %v, want 750ms", cfg.Consensus.PacemakerT0)
	}
	if cfg.Consensus.CheckpointInterval != 50 {
		t.Errorf("CheckpointInterval = %d, want 50", cfg.Consensus.CheckpointInterval)
	}
	if cfg.Consensus.WatermarkWindow != 300 {
		t.Errorf("WatermarkWindow = %d, want 300", cfg.Consensus.WatermarkWindow)
	}
	if len(cfg.Consensus.Validators) != 3 || cfg.Consensus.Validators[1] != "nodeB" {
		t.Errorf("Validators = %v, want [nodeA nodeB nodeC]", cfg.Consensus.Validators)
	}
	if cfg.Node.APIListenAddr != ":9000" {
		t.Errorf("APIListenAddr = %q, want :9000", cfg.Node.APIListenAddr)
	}
	if len(cfg.Node.Bootstrap) != 2 {
		t.Errorf("Bootstrap = %v, want 2 entries", cfg.Node.Bootstrap)
	}
}

func TestLoadFromEnvIgnoresMalformedNumbers(t *testing.T) {
	clearConsensusEnv(t)
	os.Setenv("CONSENSUS_VERIFY_WORKERS", "not-a-number")

	cfg := LoadFromEnv("/nonexistent/.env")
	if cfg.Consensus.VerifyWorkers != Default().Consensus.VerifyWorkers {
		t.Errorf("malformed env var should leave the default in place, got %d", cfg.Consensus.VerifyWorkers)
	}
}

func TestGetEnvFallsBackToDefault(t *testing.T) {
	os.Unsetenv("BFT_NODE_TEST_UNSET_VAR")
	if got := getEnv("BFT_NODE_TEST_UNSET_VAR", "fallback"); got != "fallback" {
		t.Errorf("getEnv = %q, want fallback", got)
	}
	os.Setenv("BFT_NODE_TEST_UNSET_VAR", "set")
	defer os.Unsetenv("BFT_NODE_TEST_UNSET_VAR")
	if got := getEnv("BFT_NODE_TEST_UNSET_VAR", "fallback"); got != "set" {
		t.Errorf("getEnv = %q, want set", got)
	}
}
