// Package abci adapts the opaque Block Container the consensus core
// agrees on to an application-defined execution step, in the same
// three-call shape (prepare/process/finalize) ABCI-style chains use.
package abci

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nexuschain/bft-node/pkg/app/txpool"
	"github.com/nexuschain/bft-node/pkg/consensus"
	"github.com/nexuschain/bft-node/pkg/storage"
	"go.uber.org/zap"
)

type RequestPrepareProposal struct {
	Seq        uint64
	MaxTxBytes int
}
type ResponsePrepareProposal struct{ Txs [][]byte }

type RequestProcessProposal struct {
	Seq uint64
	Txs [][]byte
}
type ResponseProcessProposal struct{ Accept bool }

type RequestFinalizeBlock struct {
	Seq uint64
	Txs [][]byte
}
type ResponseFinalizeBlock struct {
	Events  []string
	AppHash consensus.Hash
}

// Application is the execution surface a consensus decision is handed
// to, independent of the agreement protocol driving it.
type Application interface {
	PrepareProposal(RequestPrepareProposal) ResponsePrepareProposal
	ProcessProposal(RequestProcessProposal) ResponseProcessProposal
	FinalizeBlock(RequestFinalizeBlock) ResponseFinalizeBlock
}

// Bridge implements consensus.BlockApplier and consensus.StateDigester
// over an Application, and encodes/decodes the opaque Block Container
// as a 0x00-delimited concatenation of the transactions it carries.
type Bridge struct {
	App Application
	log *storage.DecisionLog

	mu          sync.Mutex
	lastAppHash consensus.Hash
}

func NewBridge(app Application, decisionLog storage.DecisionLog) *Bridge {
	var dl storage.DecisionLog = decisionLog
	if dl == nil {
		dl = storage.NewNopDecisionLog()
	}
	return &Bridge{App: app, log: &dl}
}

// ProposeNext asks the application to select the next block's payload
// and encodes it into a Block Container the primary can bind a
// sequence number to.
func (b *Bridge) ProposeNext(seq consensus.Sequence, maxBytes int) []byte {
	resp := b.App.PrepareProposal(RequestPrepareProposal{Seq: uint64(seq), MaxTxBytes: maxBytes})
	return encodePayload(resp.Txs)
}

// Decide implements consensus.BlockApplier. The Engine guarantees this
// is never called concurrently with itself.
func (b *Bridge) Decide(n consensus.Sequence, digest consensus.Hash, block []byte) error {
	txs := decodePayload(block)
	if accept := b.App.ProcessProposal(RequestProcessProposal{Seq: uint64(n), Txs: txs}); !accept.Accept {
		return fmt.Errorf("abci: application rejected proposal at seq %d", n)
	}
	resp := b.App.FinalizeBlock(RequestFinalizeBlock{Seq: uint64(n), Txs: txs})

	b.mu.Lock()
	b.lastAppHash = resp.AppHash
	b.mu.Unlock()

	if b.log != nil {
		(*b.log).Append(fmt.Sprintf("seq=%d digest=%s txs=%d apphash=%s", n, digest, len(txs), resp.AppHash))
	}
	return nil
}

// StateDigest implements consensus.StateDigester.
func (b *Bridge) StateDigest() consensus.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAppHash
}

func encodePayload(txs [][]byte) []byte {
	var payload []byte
	for _, tx := range txs {
		payload = append(payload, tx...)
		payload = append(payload, 0x00)
	}
	return payload
}

func decodePayload(p []byte) [][]byte {
	var out [][]byte
	cur := make([]byte, 0, len(p))
	for _, b := range p {
		if b == 0x00 {
			if len(cur) > 0 {
				out = append(out, append([]byte(nil), cur...))
				cur = cur[:0]
			}
			continue
		}
		cur = append(cur, b)
	}
	if len(cur) > 0 {
		out = append(out, append([]byte(nil), cur...))
	}
	return out
}

var (
	_ consensus.BlockApplier   = (*Bridge)(nil)
	_ consensus.StateDigester  = (*Bridge)(nil)
)

// TxPoolApp is the default Application: it selects transactions
// FIFO from a txpool.Pool and derives a deterministic state digest
// from the running count of applied sequences and their payloads,
// standing in for real application-state execution.
type TxPoolApp struct {
	mu      sync.Mutex
	pool    *txpool.Pool
	applied uint64
	logger  *zap.SugaredLogger
}

func NewTxPoolApp(pool *txpool.Pool, logger *zap.SugaredLogger) *TxPoolApp {
	return &TxPoolApp{pool: pool, logger: logger}
}

// PushTx admits a transaction into the underlying pool.
func (a *TxPoolApp) PushTx(b []byte) { a.pool.PushRaw(b) }

func (a *TxPoolApp) PrepareProposal(req RequestPrepareProposal) ResponsePrepareProposal {
	return ResponsePrepareProposal{Txs: a.pool.SelectForBlock(req.MaxTxBytes)}
}

func (a *TxPoolApp) ProcessProposal(_ RequestProcessProposal) ResponseProcessProposal {
	return ResponseProcessProposal{Accept: true}
}

func (a *TxPoolApp) FinalizeBlock(req RequestFinalizeBlock) ResponseFinalizeBlock {
	a.mu.Lock()
	a.applied++
	count := a.applied
	a.mu.Unlock()

	h := sha256.New()
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], count)
	h.Write(seqBuf[:])
	for _, tx := range req.Txs {
		h.Write(tx)
	}
	var appHash consensus.Hash
	copy(appHash[:], h.Sum(nil))

	if a.logger != nil && len(req.Txs) > 0 {
		a.logger.Debugw("finalized block", "seq", req.Seq, "txs", len(req.Txs))
	}
	return ResponseFinalizeBlock{Events: []string{"commit"}, AppHash: appHash}
}
