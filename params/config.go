package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Consensus holds the tunables the PBFT core needs that are not
// derivable from the live validator set: the pacemaker's base timeout,
// the checkpoint interval, and the watermark window width.
type Consensus struct {
	// Validators lists the known validator identities (node IDs,
	// matching the secp256k1-derived address each validator signs
	// with) at genesis. Membership can change afterward via the admin
	// API; this is only the bootstrap set.
	Validators []string

	// PacemakerT0 is the base round timeout; view v waits
	// PacemakerT0 * 2^(v - lastCommittedView), capped at 2^20.
	PacemakerT0 time.Duration

	// CheckpointInterval is K: a CHECKPOINT message is broadcast every
	// K finalized sequences.
	CheckpointInterval uint64

	// WatermarkWindow is W: instances are only admitted for sequences
	// in (lowWatermark, lowWatermark+W].
	WatermarkWindow uint64

	// SyncDeadline bounds a single peer round-trip during catch-up
	// before the Synchronizer tries the next peer.
	SyncDeadline time.Duration

	// VerifyWorkers bounds the signature-verification semaphore.
	VerifyWorkers int
}

type Node struct {
	DataDir       string
	ListenAddr    string
	APIListenAddr string
	Bootstrap     []string
	DecisionLog   string
}

type Config struct {
	Consensus Consensus
	Node      Node
}

func Default() Config {
	return Config{
		Consensus: Consensus{
			Validators:         []string{"val1", "val2", "val3", "val4"},
			PacemakerT0:        500 * time.Millisecond,
			CheckpointInterval: 100,
			WatermarkWindow:    200,
			SyncDeadline:       3 * time.Second,
			VerifyWorkers:      8,
		},
		Node: Node{
			DataDir:       "./data",
			ListenAddr:    "/ip4/0.0.0.0/tcp/26656",
			APIListenAddr: ":26657",
			Bootstrap:     nil,
			DecisionLog:   "",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables.
// Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("CONSENSUS_PACEMAKER_T0_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.PacemakerT0 = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CONSENSUS_CHECKPOINT_INTERVAL"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Consensus.CheckpointInterval = n
		}
	}
	if v := os.Getenv("CONSENSUS_WATERMARK_WINDOW"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Consensus.WatermarkWindow = n
		}
	}
	if v := os.Getenv("CONSENSUS_SYNC_DEADLINE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.SyncDeadline = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CONSENSUS_VERIFY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.VerifyWorkers = n
		}
	}
	if vals := os.Getenv("CONSENSUS_VALIDATORS"); vals != "" {
		cfg.Consensus.Validators = strings.Split(vals, ",")
	}

	if v := getEnv("NODE_DATA_DIR", ""); v != "" {
		cfg.Node.DataDir = v
	}
	if v := getEnv("NODE_LISTEN_ADDR", ""); v != "" {
		cfg.Node.ListenAddr = v
	}
	if v := getEnv("NODE_API_LISTEN_ADDR", ""); v != "" {
		cfg.Node.APIListenAddr = v
	}
	if v := getEnv("NODE_DECISION_LOG", ""); v != "" {
		cfg.Node.DecisionLog = v
	}
	if vals := os.Getenv("NODE_BOOTSTRAP_PEERS"); vals != "" {
		cfg.Node.Bootstrap = strings.Split(vals, ",")
	}

	return cfg
}

// getEnv returns environment variable value or default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
