package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/edgedlt/dbft"
	"github.com/edgedlt/dbft/simnet"
)

// server exposes a running simulation over HTTP for inspection and fault
// injection.
type server struct {
	net    *simnet.Network
	logger *zap.Logger
}

type blockJSON struct {
	Index        uint32 `json:"index"`
	Hash         string `json:"hash"`
	PrevHash     string `json:"prevHash"`
	View         uint8  `json:"view"`
	Timestamp    uint64 `json:"timestamp"`
	Primary      uint8  `json:"primary"`
	Transactions int    `json:"transactions"`
	Signers      []int  `json:"signers"`
}

func newServer(net *simnet.Network, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	s := &server{net: net, logger: logger}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id:[0-9]+}/chain", s.handleChain).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id:[0-9]+}/crash", s.handleCrash).Methods(http.MethodPost)
	api.HandleFunc("/nodes/{id:[0-9]+}/restart", s.handleRestart).Methods(http.MethodPost)
	api.HandleFunc("/nodes/{id:[0-9]+}/silence", s.handleSilence).Methods(http.MethodPost)
	api.HandleFunc("/nodes/{id:[0-9]+}/unsilence", s.handleUnsilence).Methods(http.MethodPost)
	api.HandleFunc("/partition", s.handlePartition).Methods(http.MethodPost)
	api.HandleFunc("/heal", s.handleHeal).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Use(corsMiddleware)
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.net.State())
}

func (s *server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.net.Events())
}

func (s *server) handleChain(w http.ResponseWriter, r *http.Request) {
	id, ok := s.nodeID(w, r)
	if !ok {
		return
	}
	chain := s.net.Chain(id)
	out := make([]blockJSON, len(chain))
	for i, b := range chain {
		out[i] = toBlockJSON(b)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *server) handleCrash(w http.ResponseWriter, r *http.Request) {
	id, ok := s.nodeID(w, r)
	if !ok {
		return
	}
	if err := s.net.Crash(id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("node crashed via API", zap.Int("node", id))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"node": id, "status": simnet.StatusCrashed})
}

func (s *server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id, ok := s.nodeID(w, r)
	if !ok {
		return
	}
	if err := s.net.Restart(id); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.logger.Info("node restarted via API", zap.Int("node", id))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"node": id, "status": simnet.StatusActive})
}

func (s *server) handleSilence(w http.ResponseWriter, r *http.Request) {
	id, ok := s.nodeID(w, r)
	if !ok {
		return
	}
	s.net.Silence(id)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"node": id, "status": simnet.StatusSilent})
}

func (s *server) handleUnsilence(w http.ResponseWriter, r *http.Request) {
	id, ok := s.nodeID(w, r)
	if !ok {
		return
	}
	s.net.Unsilence(id)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"node": id, "status": simnet.StatusActive})
}

// handlePartition replaces the partition groups. An empty body clears them.
func (s *server) handlePartition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Partitions [][]int `json:"partitions"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode partitions: %w", err))
			return
		}
	}
	for _, group := range req.Partitions {
		for _, id := range group {
			if id < 0 || id >= s.net.Size() {
				s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid node ID: %d", id))
				return
			}
		}
	}
	s.net.SetPartitions(req.Partitions)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"partitions": req.Partitions})
}

// handleHeal restarts crashed nodes and clears partitions and silences.
func (s *server) handleHeal(w http.ResponseWriter, _ *http.Request) {
	if err := s.net.HealAll(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healed"})
}

func (s *server) nodeID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || id >= s.net.Size() {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown node %q", mux.Vars(r)["id"]))
		return 0, false
	}
	return id, true
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func toBlockJSON(b *dbft.BlockData) blockJSON {
	signers := make([]int, len(b.Signatures))
	for i, sig := range b.Signatures {
		signers[i] = int(sig.Index)
	}
	return blockJSON{
		Index:        b.BlockIndex,
		Hash:         b.BlockHash.String(),
		PrevHash:     b.PrevHash.String(),
		View:         b.ViewNumber,
		Timestamp:    b.Timestamp,
		Primary:      b.PrimaryIndex,
		Transactions: len(b.TransactionHashes),
		Signers:      signers,
	}
}
