package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	ecdsa "crypto/ecdsa"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nexuschain/bft-node/pkg/consensus"
)

type fakeOrchestrator struct {
	mu           sync.Mutex
	registered   []consensus.Validator
	removed      []consensus.NodeID
	viewChanges  []string
	viewChangeErr error
	health       consensus.HealthStatus
	metrics      consensus.MetricsSnapshot
	valMetrics   map[consensus.NodeID]consensus.ValidatorMetricsSnapshot
	rounds       map[consensus.Sequence]consensus.RoundInfo
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		health:     consensus.HealthStatus{Healthy: true, SuccessRate: 1, FaultToleranceRatio: 1},
		valMetrics: make(map[consensus.NodeID]consensus.ValidatorMetricsSnapshot),
		rounds:     make(map[consensus.Sequence]consensus.RoundInfo),
	}
}

func (f *fakeOrchestrator) RegisterValidator(v consensus.Validator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, v)
}
func (f *fakeOrchestrator) RemoveValidator(id consensus.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
}
func (f *fakeOrchestrator) InitiateViewChange(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewChanges = append(f.viewChanges, reason)
	return f.viewChangeErr
}
func (f *fakeOrchestrator) Health() consensus.HealthStatus { return f.health }
func (f *fakeOrchestrator) Metrics() consensus.MetricsSnapshot { return f.metrics }
func (f *fakeOrchestrator) ValidatorMetrics(id consensus.NodeID) (consensus.ValidatorMetricsSnapshot, bool) {
	v, ok := f.valMetrics[id]
	return v, ok
}
func (f *fakeOrchestrator) RoundInfo(seq consensus.Sequence) (consensus.RoundInfo, bool) {
	v, ok := f.rounds[seq]
	return v, ok
}

func newTestServer() (*Server, *fakeOrchestrator) {
	fake := newFakeOrchestrator()
	return NewServer(fake, nil), fake
}

func TestHandleRegisterValidatorAcceptsMatchingAddress(t *testing.T) {
	s, fake := newTestServer()

	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub := priv.Public().(*ecdsa.PublicKey)
	pubBytes := crypto.FromECDSAPub(pub)
	addr := crypto.PubkeyToAddress(*pub).Hex()

	body, _ := json.Marshal(registerValidatorRequest{ID: addr, PubKey: hex.EncodeToString(pubBytes), Stake: 10})
	req := httptest.NewRequest(http.MethodPost, "/validators", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if len(fake.registered) != 1 || fake.registered[0].Stake != 10 {
		t.Fatalf("registered = %v, want one validator with stake 10", fake.registered)
	}
}

func TestHandleRegisterValidatorRejectsMismatchedAddress(t *testing.T) {
	s, fake := newTestServer()

	priv, _ := crypto.GenerateKey()
	pub := priv.Public().(*ecdsa.PublicKey)
	pubBytes := crypto.FromECDSAPub(pub)

	body, _ := json.Marshal(registerValidatorRequest{ID: "0xdeadbeef", PubKey: hex.EncodeToString(pubBytes), Stake: 1})
	req := httptest.NewRequest(http.MethodPost, "/validators", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if len(fake.registered) != 0 {
		t.Error("a mismatched address must not reach RegisterValidator")
	}
}

func TestHandleRemoveValidator(t *testing.T) {
	s, fake := newTestServer()
	req := httptest.NewRequest(http.MethodDelete, "/validators/0xabc", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(fake.removed) != 1 || fake.removed[0] != "0xabc" {
		t.Errorf("removed = %v, want [0xabc]", fake.removed)
	}
}

func TestHandleViewChangeDefaultsReason(t *testing.T) {
	s, fake := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/view-change", bytes.NewReader([]byte("{}")))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(fake.viewChanges) != 1 || fake.viewChanges[0] != "admin_requested" {
		t.Errorf("view change reasons = %v, want [admin_requested]", fake.viewChanges)
	}
}

func TestHandleHealthReturns503WhenUnhealthy(t *testing.T) {
	s, fake := newTestServer()
	fake.health = consensus.HealthStatus{Healthy: false, SuccessRate: 0.1, FaultToleranceRatio: 0.1}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestHandleRoundInfoNotFound(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/rounds/42", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestHandleRoundInfoFound(t *testing.T) {
	s, fake := newTestServer()
	fake.rounds[7] = consensus.RoundInfo{Seq: 7, Digest: consensus.HashBlock([]byte("b"))}

	req := httptest.NewRequest(http.MethodGet, "/rounds/7", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
	var info consensus.RoundInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if info.Seq != 7 {
		t.Errorf("Seq = %d, want 7", info.Seq)
	}
}

func TestHandleValidatorMetricsNotFound(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/validators/nobody/metrics", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}
