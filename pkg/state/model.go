// Package state owns all mutable per-session state. Components never hold
// session state of their own; they read and mutate it through Store, which
// serializes writers per session and persists every change to the kv layer.
//
// The stored schema is versioned. Sessions written by an older build are
// migrated forward on load, before any writer observes them.
package state

import (
	"slices"
	"time"
)

// SchemaVersion is the version written with every session blob.
const SchemaVersion = 2

// Role identifies one of the two ingest streams.
type Role string

const (
	RoleTeacher  Role = "teacher"
	RoleStudents Role = "students"
)

// Roles lists the valid stream roles in tie-break order (teacher first).
var Roles = []Role{RoleTeacher, RoleStudents}

// Valid reports whether r is a known stream role.
func (r Role) Valid() bool {
	return r == RoleTeacher || r == RoleStudents
}

// Decision is the outcome of a speaker resolution.
type Decision string

const (
	DecisionConfirm Decision = "confirm"
	DecisionUnknown Decision = "unknown"
)

// IdentitySource records which rung of the resolution ladder produced a
// speaker identity.
type IdentitySource string

const (
	SourceTeamsParticipants IdentitySource = "teams_participants"
	SourcePreconfig         IdentitySource = "preconfig"
	SourceEnrollmentMatch   IdentitySource = "enrollment_match"
	SourceNameExtract       IdentitySource = "name_extract"
	SourceTeacher           IdentitySource = "teacher"
	SourceManualMap         IdentitySource = "manual_map"
	SourceUnknown           IdentitySource = "unknown"
)

// sourcePriority orders identity sources, highest first.
var sourcePriority = []IdentitySource{
	SourceTeamsParticipants,
	SourcePreconfig,
	SourceEnrollmentMatch,
	SourceNameExtract,
	SourceTeacher,
	SourceManualMap,
	SourceUnknown,
}

// Priority returns the rank of the source; lower is stronger.
func (s IdentitySource) Priority() int {
	if i := slices.Index(sourcePriority, s); i >= 0 {
		return i
	}
	return len(sourcePriority)
}

// EventKind is the taxonomy of the per-session event log.
type EventKind string

const (
	EventASRUtterance     EventKind = "asr_utterance"
	EventResolveDecision  EventKind = "resolve_decision"
	EventIngestStats      EventKind = "ingest_stats"
	EventCaptureRecovery  EventKind = "capture_recovery"
	EventEnrollmentSample EventKind = "enrollment_sample"
	EventClusterMap       EventKind = "cluster_map"
	EventFinalizeStage    EventKind = "finalize_stage"
	EventError            EventKind = "error"
	EventMark             EventKind = "mark"
)

// Participant is one roster entry.
type Participant struct {
	Name  string `json:"name" msgpack:"name"`
	Email string `json:"email,omitempty" msgpack:"email,omitempty"`
}

// Dimension is one rubric dimension the report is scored against.
type Dimension struct {
	Name        string `json:"name" msgpack:"name"`
	Description string `json:"description,omitempty" msgpack:"description,omitempty"`
}

// Config is the operator-supplied session configuration.
type Config struct {
	Mode            string        `json:"mode" msgpack:"mode"` // "1v1" or "group"
	Roster          []Participant `json:"roster,omitempty" msgpack:"roster,omitempty"`
	InterviewerName string        `json:"interviewer_name,omitempty" msgpack:"interviewer_name,omitempty"`
	Priority        []string      `json:"priority,omitempty" msgpack:"priority,omitempty"`
	StageNames      []string      `json:"stage_names,omitempty" msgpack:"stage_names,omitempty"`
	Rubric          []Dimension   `json:"rubric,omitempty" msgpack:"rubric,omitempty"`

	// Teams metadata forwarded by the capture client on hello.
	TeamsInterviewerName string   `json:"teams_interviewer_name,omitempty" msgpack:"teams_interviewer_name,omitempty"`
	TeamsParticipants    []string `json:"teams_participants,omitempty" msgpack:"teams_participants,omitempty"`
}

// IngestStats tracks chunk arrival per stream.
type IngestStats struct {
	ChunksReceived int   `json:"chunks_received" msgpack:"chunks_received"`
	MissingSeqs    []int `json:"missing_seqs,omitempty" msgpack:"missing_seqs,omitempty"`
	LastSeq        int   `json:"last_seq" msgpack:"last_seq"`
	BytesStored    int64 `json:"bytes_stored" msgpack:"bytes_stored"`
	FirstTSMS      int64 `json:"first_ts_ms,omitempty" msgpack:"first_ts_ms,omitempty"`
	LastTSMS       int64 `json:"last_ts_ms,omitempty" msgpack:"last_ts_ms,omitempty"`
}

// ObserveSeq folds a newly arrived seq into the gap bookkeeping: seqs
// skipped on the way up are recorded missing, and a seq that fills a
// prior gap is removed from the set.
func (st *IngestStats) ObserveSeq(seq int) {
	if seq > st.LastSeq {
		for s := st.LastSeq + 1; s < seq; s++ {
			if !slices.Contains(st.MissingSeqs, s) {
				st.MissingSeqs = append(st.MissingSeqs, s)
			}
		}
		st.LastSeq = seq
	} else if i := slices.Index(st.MissingSeqs, seq); i >= 0 {
		st.MissingSeqs = slices.Delete(st.MissingSeqs, i, i+1)
	}
	slices.Sort(st.MissingSeqs)
}

// ASRStats mirrors the upstream driver's health per stream.
type ASRStats struct {
	Mode             string  `json:"mode" msgpack:"mode"`
	WSState          string  `json:"ws_state" msgpack:"ws_state"`
	BacklogChunks    int     `json:"backlog_chunks" msgpack:"backlog_chunks"`
	IngestLagSeconds float64 `json:"ingest_lag_seconds" msgpack:"ingest_lag_seconds"`
	LastEmitAt       int64   `json:"last_emit_at,omitempty" msgpack:"last_emit_at,omitempty"`
	P50MS            int64   `json:"p50_ms,omitempty" msgpack:"p50_ms,omitempty"`
	P95MS            int64   `json:"p95_ms,omitempty" msgpack:"p95_ms,omitempty"`
	LastError        string  `json:"last_error,omitempty" msgpack:"last_error,omitempty"`
}

// CaptureStats tracks client-side capture health per stream.
type CaptureStats struct {
	CaptureState         string  `json:"capture_state" msgpack:"capture_state"`
	RecoverAttempts      int     `json:"recover_attempts" msgpack:"recover_attempts"`
	LastRecoverAt        int64   `json:"last_recover_at,omitempty" msgpack:"last_recover_at,omitempty"`
	LastRecoverError     string  `json:"last_recover_error,omitempty" msgpack:"last_recover_error,omitempty"`
	EchoSuppressedChunks int     `json:"echo_suppressed_chunks" msgpack:"echo_suppressed_chunks"`
	EchoRecentRate       float64 `json:"echo_recent_rate" msgpack:"echo_recent_rate"`
}

// Utterance is a final ASR output attributed to a speaker.
type Utterance struct {
	UtteranceID    string         `json:"utterance_id" msgpack:"utterance_id"`
	StreamRole     Role           `json:"stream_role" msgpack:"stream_role"`
	ClusterID      string         `json:"cluster_id,omitempty" msgpack:"cluster_id,omitempty"`
	SpeakerName    string         `json:"speaker_name,omitempty" msgpack:"speaker_name,omitempty"`
	Decision       Decision       `json:"decision" msgpack:"decision"`
	Text           string         `json:"text" msgpack:"text"`
	StartMS        int64          `json:"start_ms" msgpack:"start_ms"`
	EndMS          int64          `json:"end_ms" msgpack:"end_ms"`
	IsFinal        bool           `json:"is_final" msgpack:"is_final"`
	IdentitySource IdentitySource `json:"identity_source,omitempty" msgpack:"identity_source,omitempty"`
	Evidence       string         `json:"evidence,omitempty" msgpack:"evidence,omitempty"`
}

// Cluster is a centroid in embedding space grouping utterances believed to
// come from the same voice.
type Cluster struct {
	ClusterID   string    `json:"cluster_id" msgpack:"cluster_id"`
	Centroid    []float32 `json:"centroid" msgpack:"centroid"`
	SampleCount int       `json:"sample_count" msgpack:"sample_count"`
	BoundName   string    `json:"bound_name,omitempty" msgpack:"bound_name,omitempty"`
}

// BindingMeta records how a cluster-to-name binding was established.
type BindingMeta struct {
	Source     IdentitySource `json:"source" msgpack:"source"`
	Confidence float64        `json:"confidence" msgpack:"confidence"`
	Locked     bool           `json:"locked" msgpack:"locked"`
	UpdatedAt  int64          `json:"updated_at" msgpack:"updated_at"`
}

// Profile is an enrollment voice profile for a named participant.
type Profile struct {
	Name          string    `json:"name" msgpack:"name"`
	Email         string    `json:"email,omitempty" msgpack:"email,omitempty"`
	Centroid      []float32 `json:"centroid" msgpack:"centroid"`
	SampleCount   int       `json:"sample_count" msgpack:"sample_count"`
	SampleSeconds float64   `json:"sample_seconds" msgpack:"sample_seconds"`
	Status        string    `json:"status" msgpack:"status"`
}

// Enrollment is the operator-toggled sample collection window.
type Enrollment struct {
	Active            bool   `json:"active" msgpack:"active"`
	ActiveParticipant string `json:"active_participant,omitempty" msgpack:"active_participant,omitempty"`
	StartedAt         int64  `json:"started_at,omitempty" msgpack:"started_at,omitempty"`
	StartSeq          int    `json:"start_seq,omitempty" msgpack:"start_seq,omitempty"`
}

// Event is one entry of the append-only per-session log.
// Seq is strictly increasing and dense under the single-writer discipline.
type Event struct {
	Seq     int64          `json:"seq" msgpack:"seq"`
	TSMS    int64          `json:"ts_ms" msgpack:"ts_ms"`
	Kind    EventKind      `json:"kind" msgpack:"kind"`
	Payload map[string]any `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// StageResult is the persisted outcome of one finalize stage.
type StageResult struct {
	Stage    int    `json:"stage" msgpack:"stage"`
	Status   string `json:"status" msgpack:"status"`
	Degraded bool   `json:"degraded,omitempty" msgpack:"degraded,omitempty"`
	Detail   string `json:"detail,omitempty" msgpack:"detail,omitempty"`
	AtMS     int64  `json:"at_ms" msgpack:"at_ms"`
}

// Finalize tracks progress through the nine-stage pipeline.
type Finalize struct {
	Requested    bool          `json:"requested" msgpack:"requested"`
	Stage        int           `json:"stage" msgpack:"stage"` // last completed stage, 0..9
	StartedAt    int64         `json:"started_at,omitempty" msgpack:"started_at,omitempty"`
	StageResults []StageResult `json:"stage_results,omitempty" msgpack:"stage_results,omitempty"`
}

// ReplayCursor is the durable ASR driver position: recovery resumes
// sending from LastSentSeq+1 out of the chunk store.
type ReplayCursor struct {
	LastSentSeq    int `json:"last_sent_seq" msgpack:"last_sent_seq"`
	LastEmittedSeq int `json:"last_emitted_seq" msgpack:"last_emitted_seq"`
}

// Session is the complete durable state of one interview session.
type Session struct {
	Schema      int    `json:"schema" msgpack:"schema"`
	ID          string `json:"session_id" msgpack:"session_id"`
	CreatedAtMS int64  `json:"created_at_ms" msgpack:"created_at_ms"`
	UpdatedAtMS int64  `json:"updated_at_ms" msgpack:"updated_at_ms"`
	Finalized   bool   `json:"finalized" msgpack:"finalized"`

	Config Config `json:"config" msgpack:"config"`

	IngestByStream     map[Role]*IngestStats  `json:"ingest_by_stream" msgpack:"ingest_by_stream"`
	ASRByStream        map[Role]*ASRStats     `json:"asr_by_stream" msgpack:"asr_by_stream"`
	CaptureByStream    map[Role]*CaptureStats `json:"capture_by_stream" msgpack:"capture_by_stream"`
	UtterancesByStream map[Role][]Utterance   `json:"utterances_by_stream" msgpack:"utterances_by_stream"`
	Cursors            map[Role]ReplayCursor  `json:"asr_cursor_by_stream" msgpack:"asr_cursor_by_stream"`

	Clusters    []Cluster              `json:"clusters,omitempty" msgpack:"clusters,omitempty"`
	Bindings    map[string]string      `json:"bindings,omitempty" msgpack:"bindings,omitempty"`
	BindingMeta map[string]BindingMeta `json:"binding_meta,omitempty" msgpack:"binding_meta,omitempty"`
	Profiles    []Profile              `json:"participant_profiles,omitempty" msgpack:"participant_profiles,omitempty"`
	Enrollment  Enrollment             `json:"enrollment_state" msgpack:"enrollment_state"`

	NextEventSeq int64    `json:"next_event_seq" msgpack:"next_event_seq"`
	Finalize     Finalize `json:"finalize" msgpack:"finalize"`

	// pending holds events appended during the current Update transaction;
	// the store flushes them with the session blob in one batch.
	pending []Event `json:"-" msgpack:"-"`
}

// newSession initializes an empty session with all per-stream maps
// populated for both roles.
func newSession(id string, now time.Time) *Session {
	s := &Session{
		Schema:             SchemaVersion,
		ID:                 id,
		CreatedAtMS:        now.UnixMilli(),
		UpdatedAtMS:        now.UnixMilli(),
		IngestByStream:     make(map[Role]*IngestStats),
		ASRByStream:        make(map[Role]*ASRStats),
		CaptureByStream:    make(map[Role]*CaptureStats),
		UtterancesByStream: make(map[Role][]Utterance),
		Cursors:            make(map[Role]ReplayCursor),
		Bindings:           make(map[string]string),
		BindingMeta:        make(map[string]BindingMeta),
		NextEventSeq:       1,
	}
	for _, role := range Roles {
		s.IngestByStream[role] = &IngestStats{}
		s.ASRByStream[role] = &ASRStats{WSState: "disconnected"}
		s.CaptureByStream[role] = &CaptureStats{CaptureState: "idle"}
		s.UtterancesByStream[role] = nil
		s.Cursors[role] = ReplayCursor{}
	}
	return s
}

// AppendEvent queues an event with the next dense seq. The store persists
// queued events atomically with the session blob at the end of Update.
func (s *Session) AppendEvent(kind EventKind, payload map[string]any) Event {
	ev := Event{
		Seq:     s.NextEventSeq,
		TSMS:    time.Now().UnixMilli(),
		Kind:    kind,
		Payload: payload,
	}
	s.NextEventSeq++
	s.pending = append(s.pending, ev)
	return ev
}

// AppendUtterance appends a final utterance to its stream, rejecting
// non-monotone emissions (start_ms must not regress).
func (s *Session) AppendUtterance(u Utterance) bool {
	list := s.UtterancesByStream[u.StreamRole]
	if n := len(list); n > 0 && u.StartMS < list[n-1].StartMS {
		return false
	}
	s.UtterancesByStream[u.StreamRole] = append(list, u)
	return true
}

// FindCluster returns the cluster with the given id, or nil.
func (s *Session) FindCluster(id string) *Cluster {
	for i := range s.Clusters {
		if s.Clusters[i].ClusterID == id {
			return &s.Clusters[i]
		}
	}
	return nil
}

// FindProfile returns the enrollment profile for name, or nil.
func (s *Session) FindProfile(name string) *Profile {
	for i := range s.Profiles {
		if s.Profiles[i].Name == name {
			return &s.Profiles[i]
		}
	}
	return nil
}
