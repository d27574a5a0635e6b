// Package server exposes the graph over HTTP: proposal ingestion, node and
// event queries, and the live event tail. The extraction collaborator's only
// surface is the ingest endpoint; everything it can do maps onto the
// facade's upsert and create-edge contract.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/scrypster/mnemo/internal/engine"
	"github.com/scrypster/mnemo/internal/notify"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// Server routes HTTP traffic to the engine.
type Server struct {
	graph *engine.Graph
	recon atomic.Pointer[engine.Reconsolidator]
	hub   *notify.Hub
	mux   *http.ServeMux
}

// New builds a server. The hub may be nil to disable the tail endpoint.
func New(graph *engine.Graph, recon *engine.Reconsolidator, hub *notify.Hub) *Server {
	s := &Server{graph: graph, hub: hub}
	s.recon.Store(recon)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/ingest", s.handleIngest)
	mux.HandleFunc("/v1/nodes", s.handleNodes)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/mood", s.handleMood)
	if hub != nil {
		mux.Handle("/v1/tail", hub)
	}
	s.mux = mux
	return s
}

// SwapReconsolidator replaces the reconsolidator, used by config hot-reload.
func (s *Server) SwapReconsolidator(recon *engine.Reconsolidator) {
	s.recon.Store(recon)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start listens on addr and serves until the listener is closed. Returns
// the bound address, useful when addr has port 0.
func Start(addr string, handler http.Handler) (string, *http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the tail endpoint holds connections open
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server: serve failed: %v", err)
		}
	}()
	return ln.Addr().String(), srv, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// IngestRequest is one extraction batch: proposed nodes and edges for a
// single user. Edges reference nodes by natural key so the extractor never
// needs to know store IDs.
type IngestRequest struct {
	UserID string              `json:"user_id"`
	Nodes  []ProposedNode      `json:"nodes"`
	Edges  []ProposedEdge      `json:"edges"`
	Mood   *types.MoodSnapshot `json:"mood,omitempty"`
}

// ProposedNode is an extraction proposal for a node.
type ProposedNode struct {
	Type      types.NodeType `json:"type"`
	Key       string         `json:"key,omitempty"`
	Name      string         `json:"name,omitempty"`
	Text      string         `json:"text,omitempty"`
	Attrs     types.Attrs    `json:"attrs,omitempty"`
	Embedding []float32      `json:"embedding,omitempty"`
}

// ProposedEdge is an extraction proposal for an edge, endpoints by natural
// key.
type ProposedEdge struct {
	Relation   types.RelationType `json:"relation"`
	SourceType types.NodeType     `json:"source_type"`
	SourceKey  string             `json:"source_key"`
	TargetType types.NodeType     `json:"target_type"`
	TargetKey  string             `json:"target_key"`
	Weight     float64            `json:"weight,omitempty"`
}

// IngestResponse reports what each proposal resolved to.
type IngestResponse struct {
	Nodes []NodeResult `json:"nodes"`
	Edges []EdgeResult `json:"edges"`
}

// NodeResult pairs a committed node with its reconsolidation outcome.
type NodeResult struct {
	ID         string            `json:"id"`
	Resolution engine.Resolution `json:"resolution"`
}

// EdgeResult reports one edge proposal.
type EdgeResult struct {
	ID      string `json:"id,omitempty"`
	Created bool   `json:"created"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	recon := s.recon.Load()
	resp := IngestResponse{}

	for _, pn := range req.Nodes {
		node := types.NewNode(req.UserID, pn.Type, pn.Key)
		node.Name = pn.Name
		node.Text = pn.Text
		node.Attrs = pn.Attrs
		node.Embedding = pn.Embedding

		outcome, err := recon.Propose(ctx, node)
		if err != nil {
			writeStorageError(w, err)
			return
		}
		resp.Nodes = append(resp.Nodes, NodeResult{
			ID:         outcome.Node.ID,
			Resolution: outcome.Resolution,
		})
	}

	for _, pe := range req.Edges {
		result := s.ingestEdge(r, req.UserID, pe)
		resp.Edges = append(resp.Edges, result)
	}

	if req.Mood != nil {
		req.Mood.UserID = req.UserID
		if err := s.graph.RecordMood(ctx, req.Mood); err != nil {
			writeStorageError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ingestEdge resolves endpoints by natural key and creates the edge. A
// dangling endpoint rejects only this edge, not the whole batch.
func (s *Server) ingestEdge(r *http.Request, userID string, pe ProposedEdge) EdgeResult {
	ctx := r.Context()
	source, err := s.graph.FindNodeByKey(ctx, userID, pe.SourceType, pe.SourceKey)
	if err != nil {
		return EdgeResult{Error: err.Error()}
	}
	target, err := s.graph.FindNodeByKey(ctx, userID, pe.TargetType, pe.TargetKey)
	if err != nil {
		return EdgeResult{Error: err.Error()}
	}

	edge := types.NewEdge(userID, source.ID, target.ID, pe.Relation)
	if pe.Weight > 0 {
		edge.Weight = pe.Weight
	}
	created, wasNew, err := s.graph.CreateEdge(ctx, edge)
	if err != nil {
		return EdgeResult{Error: err.Error()}
	}
	return EdgeResult{ID: created.ID, Created: wasNew}
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := storage.NodeQuery{
		UserID:      r.URL.Query().Get("user_id"),
		KeyPrefix:   r.URL.Query().Get("key_prefix"),
		RecentFirst: r.URL.Query().Get("recent") == "true",
		Touch:       r.URL.Query().Get("touch") == "true",
		Limit:       queryInt(r, "limit"),
	}
	if t := r.URL.Query().Get("type"); t != "" {
		q.Types = []types.NodeType{types.NodeType(t)}
	}
	nodes, err := s.graph.QueryNodes(r.Context(), q)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	fromSeq, _ := strconv.ParseInt(r.URL.Query().Get("from_seq"), 10, 64)
	events, err := s.graph.Replay(r.Context(), userID, fromSeq, queryInt(r, "limit"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleMood(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	moods, err := s.graph.RecentMoods(r.Context(), userID, queryInt(r, "limit"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"moods": moods})
}

func queryInt(r *http.Request, key string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(key))
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: failed to encode response: %v", err)
	}
}

func writeStorageError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrDanglingReference):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrTransientFailure):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
