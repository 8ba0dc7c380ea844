package inference

// Request and response shapes for the endpoints the core calls. Fields the
// core does not consume are omitted; the service tolerates extra fields.

// ExtractEmbeddingRequest asks for a speaker embedding over a PCM window.
type ExtractEmbeddingRequest struct {
	SessionID  string `json:"session_id"`
	StreamRole string `json:"stream_role"`
	AudioB64   string `json:"audio_b64"`
	SampleRate int    `json:"sample_rate"`
}

// ExtractEmbeddingResponse carries the 192-dim speaker embedding.
type ExtractEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// ResolveRequest asks the service to place an embedding among the known
// clusters.
type ResolveRequest struct {
	SessionID string      `json:"session_id"`
	Embedding []float32   `json:"embedding"`
	Clusters  []ClusterIn `json:"clusters"`
}

// ClusterIn is a cluster centroid forwarded with a resolve call.
type ClusterIn struct {
	ClusterID string    `json:"cluster_id"`
	Centroid  []float32 `json:"centroid"`
	Samples   int       `json:"samples"`
}

// ResolveResponse is the service's cluster placement.
type ResolveResponse struct {
	ClusterID  string    `json:"cluster_id"`
	IsNew      bool      `json:"is_new"`
	Centroid   []float32 `json:"centroid,omitempty"`
	Confidence float64   `json:"confidence"`
}

// EnrollRequest registers enrollment audio for a named participant.
type EnrollRequest struct {
	SessionID       string `json:"session_id"`
	ParticipantName string `json:"participant_name"`
	AudioB64        string `json:"audio_b64"`
	SampleRate      int    `json:"sample_rate"`
}

// EnrollResponse carries the profile centroid after the sample.
type EnrollResponse struct {
	Centroid      []float32 `json:"centroid"`
	SampleSeconds float64   `json:"sample_seconds"`
}

// AnalysisEventsRequest feeds the transcript to the event analyzer.
type AnalysisEventsRequest struct {
	SessionID  string           `json:"session_id"`
	Transcript []TranscriptLine `json:"transcript"`
	Memos      []string         `json:"memos,omitempty"`
	Stats      any              `json:"stats,omitempty"`
}

// TranscriptLine is one merged-view line shipped to analysis endpoints.
type TranscriptLine struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

// AnalysisEvent is a structured event returned by analysis/events.
type AnalysisEvent struct {
	Kind    string         `json:"kind"`
	TSMS    int64          `json:"ts_ms"`
	Payload map[string]any `json:"payload,omitempty"`
}

// AnalysisEventsResponse is the analyzer output.
type AnalysisEventsResponse struct {
	Events []AnalysisEvent `json:"events"`
}

// SynthesizeRequest is the enriched payload for report synthesis.
type SynthesizeRequest struct {
	SessionID  string           `json:"session_id"`
	Transcript []TranscriptLine `json:"transcript"`
	Memos      []string         `json:"memos,omitempty"`
	Evidence   []Evidence       `json:"evidence"`
	Stats      any              `json:"stats,omitempty"`
	Events     []AnalysisEvent  `json:"events,omitempty"`
	Rubric     []RubricIn       `json:"rubric,omitempty"`
	History    any              `json:"history,omitempty"`
}

// Evidence is one citable item in the evidence pack.
type Evidence struct {
	EvidenceID string `json:"evidence_id"`
	Kind       string `json:"kind"`
	Text       string `json:"text"`
	Speaker    string `json:"speaker,omitempty"`
	StartMS    int64  `json:"start_ms,omitempty"`
	EndMS      int64  `json:"end_ms,omitempty"`
}

// RubricIn is one rubric dimension forwarded to synthesis.
type RubricIn struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Claim is one generated statement; every claim must cite evidence.
type Claim struct {
	Text         string   `json:"text"`
	EvidenceRefs []string `json:"evidence_refs"`
}

// DimensionReport is the per-dimension synthesis output.
type DimensionReport struct {
	Dimension string  `json:"dimension"`
	Score     float64 `json:"score,omitempty"`
	Claims    []Claim `json:"claims"`
}

// SynthesizeResponse is the synthesized report.
type SynthesizeResponse struct {
	Dimensions []DimensionReport `json:"dimensions"`
	Summary    string            `json:"summary,omitempty"`
}
