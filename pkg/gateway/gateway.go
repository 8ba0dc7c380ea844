// Package gateway is the edge surface: the ingest WebSocket accepting
// audio frames from capture clients, and the HTTP control endpoints for
// session configuration, introspection, and finalization.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/chunkstore"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/resolver"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/session"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/state"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/transcript"
)

// Config is the gateway's static configuration, surfaced on /health.
type Config struct {
	// APIKey authenticates clients; empty disables auth (local dev).
	APIKey string

	ASREnabled         bool
	ASRRealtimeEnabled bool
	ASRModel           string
	AnalysisEnabled    bool
	Version            string

	// KVBackend and AudioBackend name the configured stores ("badger",
	// "memory", "local", "s3") for /health.
	KVBackend    string
	AudioBackend string
}

// Server carries the gateway handlers.
type Server struct {
	cfg Config
	mgr *session.Manager
	log *slog.Logger
}

// New creates the gateway server.
func New(cfg Config, mgr *session.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, mgr: mgr, log: log}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/audio/ws/{session_id}/{stream_role}", s.handleIngest)

	v1 := r.PathPrefix("/v1/sessions/{session_id}").Subrouter()
	v1.Use(s.requireAuth)
	v1.HandleFunc("/config", s.handleConfig).Methods(http.MethodPost)
	v1.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/utterances", s.handleUtterances).Methods(http.MethodGet)
	v1.HandleFunc("/finalize", s.handleFinalize).Methods(http.MethodPost)
	v1.HandleFunc("/enrollment/start", s.handleEnrollmentStart).Methods(http.MethodPost)
	v1.HandleFunc("/enrollment/stop", s.handleEnrollmentStop).Methods(http.MethodPost)
	v1.HandleFunc("/enrollment/state", s.handleEnrollmentState).Methods(http.MethodGet)
	v1.HandleFunc("/cluster-map", s.handleClusterMap).Methods(http.MethodPost)
	v1.HandleFunc("/unresolved-clusters", s.handleUnresolvedClusters).Methods(http.MethodGet)
	v1.HandleFunc("/asr-run", s.handleASRRun).Methods(http.MethodPost)
	v1.HandleFunc("/asr-reset", s.handleASRReset).Methods(http.MethodPost)
	v1.HandleFunc("/audio.wav", s.handleWAV).Methods(http.MethodGet)
	v1.HandleFunc("/wav", s.handleWAV).Methods(http.MethodGet)
	return r
}

// authorized checks the api key in constant time. The key may arrive as
// the api_key query parameter (the only option for browser WebSockets) or
// the X-API-Key header.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.APIKey == "" {
		return true
	}
	key := r.URL.Query().Get("api_key")
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) == 1
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "bad or missing api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// writeStateError maps store errors onto HTTP statuses: missing session
// is 404, quarantined or unavailable state is 503.
func writeStateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, state.ErrSessionCorrupt):
		writeError(w, http.StatusServiceUnavailable, "session_corrupt", err.Error())
	case errors.Is(err, state.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	mode := "windowed"
	if s.cfg.ASRRealtimeEnabled {
		mode = "realtime"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"version":              s.cfg.Version,
		"asr_enabled":          s.cfg.ASREnabled,
		"asr_realtime_enabled": s.cfg.ASRRealtimeEnabled,
		"asr_mode":             mode,
		"asr_model":            s.cfg.ASRModel,
		"analysis_enabled":     s.cfg.AnalysisEnabled,
		"kv_backend":           s.cfg.KVBackend,
		"audio_backend":        s.cfg.AudioBackend,
	})
}

// configRequest is the operator-facing session configuration payload.
type configRequest struct {
	Mode            string              `json:"mode"`
	Roster          []state.Participant `json:"roster"`
	InterviewerName string              `json:"interviewer_name"`
	Priority        []string            `json:"priority"`
	StageNames      []string            `json:"stage_names"`
	Rubric          []state.Dimension   `json:"rubric"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session_id"]
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	sess, err := s.mgr.States().Update(r.Context(), id, func(sess *state.Session) error {
		if sess.Finalized {
			return errSessionFinalized
		}
		if req.Mode != "" {
			sess.Config.Mode = req.Mode
		}
		if req.Roster != nil {
			sess.Config.Roster = req.Roster
		}
		if req.InterviewerName != "" {
			sess.Config.InterviewerName = req.InterviewerName
		}
		if req.Priority != nil {
			sess.Config.Priority = req.Priority
		}
		if req.StageNames != nil {
			sess.Config.StageNames = req.StageNames
		}
		if req.Rubric != nil {
			sess.Config.Rubric = req.Rubric
		}
		return nil
	})
	if errors.Is(err, errSessionFinalized) {
		writeError(w, http.StatusConflict, "session_finalized", "session is final")
		return
	}
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Config)
}

var errSessionFinalized = errors.New("gateway: session finalized")

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.States().Load(r.Context(), mux.Vars(r)["session_id"])
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.mgr.States().Events(r.Context(), mux.Vars(r)["session_id"], limit)
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleUtterances(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.States().Load(r.Context(), mux.Vars(r)["session_id"])
	if err != nil {
		writeStateError(w, err)
		return
	}
	q := r.URL.Query()
	var utts []state.Utterance
	switch view := q.Get("view"); view {
	case "", "raw":
		utts = transcript.Raw(sess)
	case "merged":
		utts = transcript.Merged(sess, transcript.Options{})
	default:
		writeError(w, http.StatusBadRequest, "bad_view", "view must be raw or merged")
		return
	}
	if role := q.Get("stream_role"); role != "" {
		if !state.Role(role).Valid() {
			writeError(w, http.StatusBadRequest, "bad_stream_role", "stream_role must be teacher or students")
			return
		}
		filtered := utts[:0]
		for _, u := range utts {
			if u.StreamRole == state.Role(role) {
				filtered = append(filtered, u)
			}
		}
		utts = filtered
	}
	if limit, _ := strconv.Atoi(q.Get("limit")); limit > 0 && len(utts) > limit {
		utts = utts[len(utts)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"utterances": utts})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session_id"]
	stage, err := s.mgr.Finalize(r.Context(), id)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeStateError(w, err)
			return
		}
		// The pipeline is resumable; report how far it got.
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"stage": stage, "error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stage": stage, "done": stage >= 9})
}

func (s *Server) handleEnrollmentStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantName string `json:"participant_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "participant_name required")
		return
	}
	if err := s.mgr.Resolver().StartEnrollment(r.Context(), mux.Vars(r)["session_id"], req.ParticipantName); err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": true, "participant": req.ParticipantName})
}

func (s *Server) handleEnrollmentStop(w http.ResponseWriter, r *http.Request) {
	err := s.mgr.Resolver().StopEnrollment(r.Context(), mux.Vars(r)["session_id"])
	if errors.Is(err, resolver.ErrEnrollmentInactive) {
		writeError(w, http.StatusConflict, "enrollment_inactive", err.Error())
		return
	}
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": false})
}

func (s *Server) handleEnrollmentState(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.States().Load(r.Context(), mux.Vars(r)["session_id"])
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enrollment": sess.Enrollment,
		"profiles":   sess.Profiles,
	})
}

func (s *Server) handleClusterMap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClusterID string `json:"cluster_id"`
		Name      string `json:"name"`
		Locked    bool   `json:"locked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClusterID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "cluster_id and name required")
		return
	}
	err := s.mgr.Resolver().ClusterMap(r.Context(), mux.Vars(r)["session_id"], req.ClusterID, req.Name, req.Locked)
	if errors.Is(err, resolver.ErrUnknownCluster) {
		writeError(w, http.StatusBadRequest, "unknown_cluster", err.Error())
		return
	}
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cluster_id": req.ClusterID, "name": req.Name, "locked": req.Locked})
}

func (s *Server) handleUnresolvedClusters(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.States().Load(r.Context(), mux.Vars(r)["session_id"])
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clusters": resolver.UnresolvedClusters(sess),
	})
}

func (s *Server) handleASRRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StreamRole string `json:"stream_role"`
		FromSeq    int    `json:"from_seq"`
		ToSeq      int    `json:"to_seq"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !state.Role(req.StreamRole).Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "stream_role must be teacher or students")
		return
	}
	n, err := s.mgr.ASRRun(r.Context(), mux.Vars(r)["session_id"], state.Role(req.StreamRole), req.FromSeq, req.ToSeq)
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovered_utterances": n})
}

func (s *Server) handleASRReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StreamRole string `json:"stream_role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !state.Role(req.StreamRole).Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "stream_role must be teacher or students")
		return
	}
	if err := s.mgr.ASRReset(r.Context(), mux.Vars(r)["session_id"], state.Role(req.StreamRole)); err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

// handleWAV streams the reconstructed stream audio as a playable WAV.
func (s *Server) handleWAV(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("stream_role")
	if !state.Role(role).Valid() {
		writeError(w, http.StatusBadRequest, "bad_stream_role", "stream_role must be teacher or students")
		return
	}
	id := mux.Vars(r)["session_id"]
	w.Header().Set("Content-Type", "audio/wav")
	if err := s.mgr.Chunks().AssembleWAV(r.Context(), id, role, w); err != nil {
		if !errors.Is(err, chunkstore.ErrNotFound) {
			s.log.Error("wav assembly failed", "session_id", id, "stream_role", role, "err", err)
		}
	}
}
