// Package api exposes the Node orchestrator's administration methods
// and the Metrics Observer's read methods over HTTP and a websocket
// feed of finalized decisions. It carries no consensus logic of its
// own; every handler is a thin translation to a Node method call.
package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	bftcrypto "github.com/nexuschain/bft-node/pkg/crypto"
	"github.com/nexuschain/bft-node/pkg/consensus"
)

// Orchestrator is the subset of *consensus.Node the API surface
// drives; declared narrowly so the server can be tested against a
// fake without pulling in the whole consensus package.
type Orchestrator interface {
	RegisterValidator(v consensus.Validator)
	RemoveValidator(id consensus.NodeID)
	InitiateViewChange(reason string) error
	Health() consensus.HealthStatus
	Metrics() consensus.MetricsSnapshot
	ValidatorMetrics(id consensus.NodeID) (consensus.ValidatorMetricsSnapshot, bool)
	RoundInfo(seq consensus.Sequence) (consensus.RoundInfo, bool)
}

// Server is the gorilla/mux + gorilla/websocket administration and
// observability layer described for the node's external interfaces.
type Server struct {
	node   Orchestrator
	router *mux.Router
	hub    *decisionHub
	sugar  *zap.SugaredLogger
}

func NewServer(node Orchestrator, sugar *zap.SugaredLogger) *Server {
	s := &Server{
		node:  node,
		hub:   newDecisionHub(),
		sugar: sugar,
	}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/validators", s.handleRegisterValidator).Methods(http.MethodPost)
	s.router.HandleFunc("/validators/{id}", s.handleRemoveValidator).Methods(http.MethodDelete)
	s.router.HandleFunc("/validators/{id}/metrics", s.handleValidatorMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/view-change", s.handleViewChange).Methods(http.MethodPost)
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/rounds/{n}", s.handleRoundInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/decisions", s.hub.serveWS)
}

// Handler returns the wrapped router with permissive CORS applied,
// for dashboards served from a different origin than the node.
func (s *Server) Handler() http.Handler {
	return cors.AllowAll().Handler(s.router)
}

func (s *Server) ListenAndServe(addr string) error {
	if s.sugar != nil {
		s.sugar.Infow("api_server_starting", "addr", addr)
	}
	return http.ListenAndServe(addr, s.Handler())
}

// BroadcastDecision pushes a finalized (sequence, digest) pair to
// every subscriber of the decisions websocket feed. Satisfies
// consensus.DecisionFeed; the Node calls this on every finalized
// decision once wired via SetDecisionFeed.
func (s *Server) BroadcastDecision(seq consensus.Sequence, digest consensus.Hash) {
	s.hub.broadcast(decisionEvent{Seq: uint64(seq), Digest: digest.String()})
}

type registerValidatorRequest struct {
	ID     string `json:"id"`
	PubKey string `json:"pub_key"` // hex-encoded uncompressed secp256k1 public key
	Stake  uint64 `json:"stake"`
}

func (s *Server) handleRegisterValidator(w http.ResponseWriter, r *http.Request) {
	var req registerValidatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pubBytes, err := hex.DecodeString(req.PubKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pubKey, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if derived := bftcrypto.AddressFromUncompressedPub(pubBytes); derived != "" && !strings.EqualFold(derived, req.ID) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("validator id %q does not match address derived from pub_key (%q)", req.ID, derived))
		return
	}
	s.node.RegisterValidator(consensus.Validator{
		ID:     consensus.NodeID(req.ID),
		PubKey: pubKey,
		Stake:  req.Stake,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveValidator(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.node.RemoveValidator(consensus.NodeID(id))
	w.WriteHeader(http.StatusNoContent)
}

type viewChangeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleViewChange(w http.ResponseWriter, r *http.Request) {
	var req viewChangeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "admin_requested"
	}
	if err := s.node.InitiateViewChange(req.Reason); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Metrics())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.node.Health()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleRoundInfo(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(mux.Vars(r)["n"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	info, ok := s.node.RoundInfo(consensus.Sequence(n))
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleValidatorMetrics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, ok := s.node.ValidatorMetrics(consensus.NodeID(id))
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
