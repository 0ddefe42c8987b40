// Package httpapi exposes the durable store, mindchange and meta contracts
// over HTTP, relays presence and document updates over WebSocket, and
// provides the matching client.
//
// Routes:
//
//	GET    /docs                          document ids
//	GET    /docs/{doc}                    log summary
//	POST   /docs/{doc}/updates            append one binary update
//	GET    /docs/{doc}/state              full state as one binary update
//	POST   /docs/{doc}/compact?keep=N     fold the log into the snapshot
//	GET    /docs/{doc}/mindchange/{edge}  mindchange statistic
//	PUT    /docs/{doc}/mindchange/{edge}
//	DELETE /docs/{doc}/mindchange/{edge}  {"ok":true}
//	GET    /docs/{doc}/meta               external metadata
//	PUT    /docs/{doc}/meta
//	GET    /docs/{doc}/presence           WebSocket presence relay
//	GET    /docs/{doc}/sync               WebSocket update relay
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/roach88/arggraph/internal/doc"
	"github.com/roach88/arggraph/internal/graph"
	"github.com/roach88/arggraph/internal/presence"
	"github.com/roach88/arggraph/internal/store"
)

// DefaultKeep is the number of recent updates compaction leaves in the log
// when the request names none.
const DefaultKeep = 50

// maxUpdateBytes bounds a single update body or frame.
const maxUpdateBytes = 16 << 20

// Error codes carried in JSON error bodies.
const (
	codeNotFound        = "not_found"
	codeMalformedUpdate = "malformed_update"
	codeBadRequest      = "bad_request"
	codeInternal        = "internal"
)

// Options configures a Server.
type Options struct {
	// Redis, when set, fans presence out across server instances.
	Redis  redis.UniversalClient
	Keep   int
	Logger *slog.Logger
}

// Server serves one store.
type Server struct {
	backend  store.Backend
	redis    redis.UniversalClient
	keep     int
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]presence.Channel
	rooms    map[string]*room
}

// NewServer creates a server over backend.
func NewServer(backend store.Backend, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Keep <= 0 {
		opts.Keep = DefaultKeep
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		backend: backend,
		redis:   opts.Redis,
		keep:    opts.Keep,
		logger:  opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]presence.Channel),
		rooms:    make(map[string]*room),
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/docs", s.handleDocuments).Methods(http.MethodGet)
	d := r.PathPrefix("/docs/{doc}").Subrouter()
	d.HandleFunc("", s.handleInfo).Methods(http.MethodGet)
	d.HandleFunc("/updates", s.handleAppend).Methods(http.MethodPost)
	d.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	d.HandleFunc("/compact", s.handleCompact).Methods(http.MethodPost)
	d.HandleFunc("/mindchange/{edge}", s.handleGetMindchange).Methods(http.MethodGet)
	d.HandleFunc("/mindchange/{edge}", s.handlePutMindchange).Methods(http.MethodPut)
	d.HandleFunc("/mindchange/{edge}", s.handleDeleteMindchange).Methods(http.MethodDelete)
	d.HandleFunc("/meta", s.handleGetMeta).Methods(http.MethodGet)
	d.HandleFunc("/meta", s.handlePutMeta).Methods(http.MethodPut)
	d.HandleFunc("/presence", s.handlePresence).Methods(http.MethodGet)
	d.HandleFunc("/sync", s.handleSync).Methods(http.MethodGet)
	return r
}

// Close ends every relay connection and releases presence channels.
func (s *Server) Close() error {
	s.cancel()

	s.mu.Lock()
	channels := s.channels
	s.channels = make(map[string]presence.Channel)
	rooms := s.rooms
	s.rooms = make(map[string]*room)
	s.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, rm := range rooms {
		rm.closeAll()
	}
	return errors.Join(errs...)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, codeInternal
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, codeNotFound
	case errors.Is(err, doc.ErrMalformedUpdate):
		status, code = http.StatusBadRequest, codeMalformedUpdate
	case errors.Is(err, errBadRequest):
		status, code = http.StatusBadRequest, codeBadRequest
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

var errBadRequest = errors.New("bad request")

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	ids, err := s.backend.Documents(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.backend.Info(r.Context(), mux.Vars(r)["doc"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["doc"]
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpdateBytes))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.backend.AppendUpdate(r.Context(), docID, data); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Debug("update appended", "doc", docID, "bytes", len(data))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.backend.LoadState(r.Context(), mux.Vars(r)["doc"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(state)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["doc"]
	keep := s.keep
	if v := r.URL.Query().Get("keep"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: keep must be a non-negative integer", errBadRequest))
			return
		}
		keep = n
	}
	res, err := s.backend.Compact(r.Context(), docID, keep)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("compacted", "doc", docID, "merged", res.Merged, "kept", res.Kept)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetMindchange(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	mc, err := s.backend.GetMindchange(r.Context(), v["doc"], v["edge"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mc)
}

func (s *Server) handlePutMindchange(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	var mc graph.Mindchange
	if err := decodeJSON(w, r, &mc); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.backend.PutMindchange(r.Context(), v["doc"], v["edge"], mc); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type okBody struct {
	OK bool `json:"ok"`
}

func (s *Server) handleDeleteMindchange(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	ok, err := s.backend.DeleteMindchangeForEdge(r.Context(), v["doc"], v["edge"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: ok})
}

func (s *Server) handleGetMeta(w http.ResponseWriter, r *http.Request) {
	meta, err := s.backend.FetchMeta(r.Context(), mux.Vars(r)["doc"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handlePutMeta(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if err := decodeJSON(w, r, &values); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.backend.PutMeta(r.Context(), mux.Vars(r)["doc"], values); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// channel returns the presence channel of a document, creating it on first
// use.
func (s *Server) channel(docID string) (presence.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.channels[docID]; ok {
		return ch, nil
	}
	var ch presence.Channel
	if s.redis != nil {
		rc, err := presence.NewRedisChannel(s.ctx, s.redis, docID, s.logger)
		if err != nil {
			return nil, fmt.Errorf("presence channel %s: %w", docID, err)
		}
		ch = rc
	} else {
		ch = presence.NewHub()
	}
	s.channels[docID] = ch
	return ch, nil
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["doc"]
	ch, err := s.channel(docID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("presence upgrade failed", "doc", docID, "error", err)
		return
	}
	s.logger.Debug("presence connected", "doc", docID, "remote", r.RemoteAddr)
	presence.Relay(s.ctx, ch, conn, s.logger.With("doc", docID))
}
