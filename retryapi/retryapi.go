// Package retryapi exposes the operator-facing HTTP surface: POST
// /message_retry (spec §6) broadcasting a forced retry to every
// destination's operation queues, and GET /metrics alongside it.
package retryapi

import (
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chainrelay/relayer-core/config"
	"github.com/chainrelay/relayer-core/metricsx"
	"github.com/chainrelay/relayer-core/opqueue"
)

// Broadcaster is implemented by every destination's operation queue.
type Broadcaster interface {
	BroadcastRetry(req opqueue.MessageRetryRequest)
}

// Server wires the retry endpoint and metrics exposition onto one
// http.ServeMux.
type Server struct {
	queues  []Broadcaster
	metrics *metricsx.Registry
	log     log.Logger
}

// New returns a Server that broadcasts retry requests to every queue in
// queues (one per configured destination chain).
func New(queues []Broadcaster, metrics *metricsx.Registry, logger log.Logger) *Server {
	return &Server{queues: queues, metrics: metrics, log: logger}
}

// Handler builds the mux this server answers on.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/message_retry", s.handleMessageRetry)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) handleMessageRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var matching config.MatchingList
	if err := json.NewDecoder(r.Body).Decode(&matching); err != nil {
		http.Error(w, "invalid matching list: "+err.Error(), http.StatusBadRequest)
		return
	}

	req := opqueue.MessageRetryRequest{Matching: matching}
	for _, q := range s.queues {
		q.BroadcastRetry(req)
	}

	s.log.Info("forced retry broadcast", "entries", len(matching))
	w.WriteHeader(http.StatusOK)
}
