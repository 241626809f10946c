package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nexuschain/bft-node/params"
	"github.com/nexuschain/bft-node/pkg/abci"
	"github.com/nexuschain/bft-node/pkg/api"
	"github.com/nexuschain/bft-node/pkg/app/txpool"
	"github.com/nexuschain/bft-node/pkg/consensus"
	"github.com/nexuschain/bft-node/pkg/crypto"
	"github.com/nexuschain/bft-node/pkg/p2p"
	"github.com/nexuschain/bft-node/pkg/storage"
	"github.com/nexuschain/bft-node/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = cfg.Node.DataDir + "/node.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	// ---- Identity ----
	var signer *crypto.Signer
	if hexKey := os.Getenv("NODE_PRIVATE_KEY"); hexKey != "" {
		signer, err = crypto.FromPrivateKeyHex(hexKey)
	} else {
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		sugar.Fatalw("key_init_failed", "err", err)
	}
	selfID := consensus.NodeID(signer.Address().Hex())
	sugar.Infow("node_identity", "id", selfID)

	// ---- Validator set ----
	vs := consensus.NewValidatorSet()
	for _, raw := range cfg.Consensus.Validators {
		vs.Register(consensus.Validator{ID: consensus.NodeID(raw), Stake: 1})
	}
	if !vs.IsMember(selfID) {
		vs.Register(consensus.Validator{ID: selfID, Stake: 1})
	}
	sugar.Infow("validator_set_loaded", "size", vs.Size(), "quorum", vs.Quorum(), "f", vs.F())

	// ---- Persistence ----
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		sugar.Fatalw("data_dir_failed", "err", err)
	}
	store, err := storage.NewPebbleStore(cfg.Node.DataDir + "/state")
	if err != nil {
		sugar.Fatalw("pebble_init_failed", "err", err)
	}
	defer store.Close()

	var decisionLog storage.DecisionLog = storage.NewNopDecisionLog()
	if cfg.Node.DecisionLog != "" {
		fileLog, err := storage.NewFileDecisionLog(cfg.Node.DecisionLog)
		if err != nil {
			sugar.Fatalw("decision_log_init_failed", "err", err)
		}
		decisionLog = fileLog
	}

	// ---- Application ----
	pool := txpool.New()
	app := abci.NewTxPoolApp(pool, sugar)
	bridge := abci.NewBridge(app, decisionLog)

	// ---- Network ----
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	net, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
		ListenAddr: cfg.Node.ListenAddr,
		Bootstrap:  cfg.Node.Bootstrap,
		SelfID:     selfID,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("libp2p_init_failed", "err", err)
	}

	msgLog := consensus.NewMessageLog(vs)

	node := consensus.NewNode(consensus.NodeConfig{
		Self:            selfID,
		ValidatorSet:    vs,
		Log:             msgLog,
		Blocks:          store,
		Network:         net,
		Signer:          signer,
		Applier:         bridge,
		Persistent:      store,
		Peers:           net,
		Transport:       net,
		Clock:           util.RealClock{},
		Logger:          sugar,
		WatermarkWindow: consensus.Sequence(cfg.Consensus.WatermarkWindow),
		CheckpointEvery: consensus.Sequence(cfg.Consensus.CheckpointInterval),
		PacemakerT0:     cfg.Consensus.PacemakerT0,
		SyncDeadline:    cfg.Consensus.SyncDeadline,
		VerifyWorkers:   cfg.Consensus.VerifyWorkers,
	})

	net.SetSyncSources(node.Checkpoints(), node)

	// ---- Admin / observability API ----
	apiServer := api.NewServer(node, sugar)
	node.SetDecisionFeed(apiServer)
	go func() {
		if err := apiServer.ListenAndServe(cfg.Node.APIListenAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	// ---- Optional synthetic transaction feeder ----
	if os.Getenv("ENABLE_TXGEN") == "true" {
		feedCfg := txpool.DefaultFeederConfig()
		cancelFeeder := txpool.StartFeeder(ctx, pool, feedCfg)
		defer cancelFeeder()
		sugar.Infow("txgen_enabled", "batch_size", feedCfg.BatchSize, "interval", feedCfg.Interval)
	}

	// ---- Run the consensus stack ----
	go func() {
		if err := node.Run(ctx); err != nil && ctx.Err() == nil {
			sugar.Fatalw("node_run_failed", "err", err)
		}
	}()

	// Devnet single-validator proposer loop: without a client-driven
	// propose trigger, the lone validator is always its own primary,
	// so it proposes whatever the pool has accumulated on a fixed tick.
	if vs.Size() == 1 {
		go runSoloProposer(ctx, node, bridge, sugar)
	}

	sugar.Infow("node_starting", "validators", vs.Size(), "quorum", vs.Quorum())

	<-ctx.Done()
	sugar.Info("shutting_down")
}

func runSoloProposer(ctx context.Context, node *consensus.Node, bridge *abci.Bridge, sugar *zap.SugaredLogger) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	var seq consensus.Sequence = 1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			block := bridge.ProposeNext(seq, 1<<20)
			if _, err := node.ProposeBlock(block); err != nil {
				sugar.Errorw("propose_failed", "err", err)
				continue
			}
			seq++
		}
	}
}
