// Package resolver attributes utterances to real speakers. Students-side
// identity goes through a ladder of sources, strongest first: locked
// manual bindings, the sole Teams participant of a 1v1 session, existing
// cluster bindings, enrollment-profile voice match, then name extraction
// from the transcript itself. The teacher stream is bound directly to
// the interviewer without an RPC.
package resolver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/chunkstore"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/inference"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/pcm"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/state"
)

// ErrUnknownCluster is returned when a manual mapping names a cluster id
// that does not exist; dangling bindings are rejected at the boundary.
var ErrUnknownCluster = errors.New("resolver: unknown cluster")

// Thresholds for the enrollment-profile rung. Exposed as knobs; the
// defaults come from the tuned config surface.
type Thresholds struct {
	// EnrollTopScore is the minimum cosine similarity against the best
	// profile. Default 0.72.
	EnrollTopScore float64
	// EnrollMargin is the minimum lead over the second-best profile.
	// Default 0.08.
	EnrollMargin float64
	// NameLock is the extraction confidence at which the binding locks.
	// Default 0.93.
	NameLock float64
}

func (t Thresholds) withDefaults() Thresholds {
	if t.EnrollTopScore == 0 {
		t.EnrollTopScore = 0.72
	}
	if t.EnrollMargin == 0 {
		t.EnrollMargin = 0.08
	}
	if t.NameLock == 0 {
		t.NameLock = 0.93
	}
	return t
}

// Resolver runs speaker resolution for one process. Safe for concurrent
// use; all session state goes through the state store.
type Resolver struct {
	states *state.Store
	chunks *chunkstore.Store
	inf    *inference.Client
	th     Thresholds
	log    *slog.Logger
}

// New creates a Resolver.
func New(states *state.Store, chunks *chunkstore.Store, inf *inference.Client, th Thresholds, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{states: states, chunks: chunks, inf: inf, th: th.withDefaults(), log: log}
}

// ResolveUtterance attributes one final utterance and applies the result
// to the persisted copy. Designed to be called fire-and-proceed after the
// utterance is already durable: a slow or failed resolve degrades the
// attribution, never the transcript.
func (r *Resolver) ResolveUtterance(ctx context.Context, sessionID string, u state.Utterance) error {
	if u.StreamRole == state.RoleTeacher {
		return r.resolveTeacher(ctx, sessionID, u)
	}
	return r.resolveStudent(ctx, sessionID, u)
}

// resolveTeacher binds the teacher stream directly: the interviewer name
// beats everything else, no embedding RPC involved.
func (r *Resolver) resolveTeacher(ctx context.Context, sessionID string, u state.Utterance) error {
	_, err := r.states.Update(ctx, sessionID, func(sess *state.Session) error {
		name := sess.Config.TeamsInterviewerName
		if name == "" {
			name = sess.Config.InterviewerName
		}
		out := outcome{decision: state.DecisionUnknown}
		if name != "" {
			out = outcome{
				name:       name,
				source:     state.SourceTeacher,
				decision:   state.DecisionConfirm,
				confidence: 1,
			}
		}
		applyOutcome(sess, u.UtteranceID, u.StreamRole, "", out, r.log)
		return nil
	})
	return err
}

// resolveStudent runs the full ladder. The embedding and cluster
// placement are best effort: if the inference service is unreachable the
// text rungs still run, they just cannot persist a cluster binding.
func (r *Resolver) resolveStudent(ctx context.Context, sessionID string, u state.Utterance) error {
	embedding, err := r.extractEmbedding(ctx, sessionID, u)
	if err != nil {
		r.log.Warn("embedding extraction failed, resolving from text only",
			"session_id", sessionID, "utterance_id", u.UtteranceID, "err", err)
	}

	var placed *inference.ResolveResponse
	if len(embedding) > 0 {
		sess, err := r.states.Load(ctx, sessionID)
		if err != nil {
			return err
		}
		req := inference.ResolveRequest{SessionID: sessionID, Embedding: embedding}
		for _, c := range sess.Clusters {
			req.Clusters = append(req.Clusters, inference.ClusterIn{
				ClusterID: c.ClusterID, Centroid: c.Centroid, Samples: c.SampleCount,
			})
		}
		var resp inference.ResolveResponse
		if err := r.inf.Call(ctx, inference.EndpointResolve, req, &resp); err != nil {
			r.log.Warn("cluster placement failed", "session_id", sessionID, "err", err)
		} else {
			placed = &resp
		}
	}

	_, err = r.states.Update(ctx, sessionID, func(sess *state.Session) error {
		clusterID := ""
		if placed != nil {
			clusterID = placed.ClusterID
			upsertCluster(sess, placed, embedding)
		}
		out := r.ladder(sess, clusterID, embedding, u.Text)
		if out.bind && clusterID != "" {
			sess.Bindings[clusterID] = out.name
			sess.BindingMeta[clusterID] = state.BindingMeta{
				Source:     out.source,
				Confidence: out.confidence,
				Locked:     out.lock,
				UpdatedAt:  time.Now().UnixMilli(),
			}
			if c := sess.FindCluster(clusterID); c != nil {
				c.BoundName = out.name
			}
		}
		applyOutcome(sess, u.UtteranceID, u.StreamRole, clusterID, out, r.log)
		return nil
	})
	return err
}

// outcome is one ladder verdict.
type outcome struct {
	name       string
	source     state.IdentitySource
	decision   state.Decision
	confidence float64
	evidence   string
	bind       bool // persist a cluster binding
	lock       bool
}

// ladder walks the resolution rungs, first match wins.
func (r *Resolver) ladder(sess *state.Session, clusterID string, embedding []float32, text string) outcome {
	// 1. Locked manual binding.
	if clusterID != "" {
		if meta, ok := sess.BindingMeta[clusterID]; ok && meta.Locked {
			return outcome{
				name:       sess.Bindings[clusterID],
				source:     state.SourceManualMap,
				decision:   state.DecisionConfirm,
				confidence: meta.Confidence,
			}
		}
	}

	// 2. Sole Teams participant: in a 1v1 session with exactly one
	// participant besides the interviewer, the students stream is theirs.
	if name := soleTeamsParticipant(sess); name != "" {
		return outcome{
			name:       name,
			source:     state.SourceTeamsParticipants,
			decision:   state.DecisionConfirm,
			confidence: 1,
			bind:       clusterID != "",
		}
	}

	// 3. Existing binding, whatever rung established it.
	if clusterID != "" {
		if name, ok := sess.Bindings[clusterID]; ok && name != "" {
			source := state.SourcePreconfig
			conf := 1.0
			if meta, ok := sess.BindingMeta[clusterID]; ok && meta.Source != "" {
				source = meta.Source
				conf = meta.Confidence
			}
			return outcome{name: name, source: source, decision: state.DecisionConfirm, confidence: conf}
		}
	}

	// 4. Enrollment-profile voice match.
	if len(embedding) > 0 {
		if name, top, margin := bestProfile(sess.Profiles, embedding); name != "" &&
			top >= r.th.EnrollTopScore && margin >= r.th.EnrollMargin {
			return outcome{
				name:       name,
				source:     state.SourceEnrollmentMatch,
				decision:   state.DecisionConfirm,
				confidence: top,
				bind:       true,
			}
		}
	}

	// 5. Name extraction from the transcript.
	if ext := ExtractName(text); ext.Name != "" {
		if name, score := matchRoster(sess.Config.Roster, ext.Name); name != "" {
			conf := ext.Confidence * score
			return outcome{
				name:       name,
				source:     state.SourceNameExtract,
				decision:   state.DecisionConfirm,
				confidence: conf,
				evidence:   ext.Evidence,
				bind:       true,
				lock:       conf >= r.th.NameLock,
			}
		}
	}

	// 6. Unknown.
	return outcome{decision: state.DecisionUnknown}
}

// soleTeamsParticipant returns the single Teams participant left after
// excluding the interviewer, but only for 1v1 sessions; group sessions
// and ambiguous rosters return empty.
func soleTeamsParticipant(sess *state.Session) string {
	if sess.Config.Mode != "1v1" {
		return ""
	}
	interviewer := sess.Config.TeamsInterviewerName
	if interviewer == "" {
		interviewer = sess.Config.InterviewerName
	}
	var name string
	for _, p := range sess.Config.TeamsParticipants {
		if p == "" || p == interviewer {
			continue
		}
		if name != "" {
			return ""
		}
		name = p
	}
	return name
}

// applyOutcome writes the verdict onto the persisted utterance, enforcing
// the hard rule that confirm never ships without a name: such a verdict
// is rewritten to unknown and logged as an error event.
func applyOutcome(sess *state.Session, utteranceID string, role state.Role, clusterID string, out outcome, log *slog.Logger) {
	if out.decision == state.DecisionConfirm && out.name == "" {
		log.Error("confirm without speaker name rewritten to unknown",
			"session_id", sess.ID, "utterance_id", utteranceID)
		sess.AppendEvent(state.EventError, map[string]any{
			"code":         "confirm_without_name",
			"utterance_id": utteranceID,
		})
		out = outcome{decision: state.DecisionUnknown}
	}

	list := sess.UtterancesByStream[role]
	for i := range list {
		if list[i].UtteranceID != utteranceID {
			continue
		}
		list[i].ClusterID = clusterID
		list[i].SpeakerName = out.name
		list[i].Decision = out.decision
		list[i].IdentitySource = out.source
		list[i].Evidence = out.evidence
		break
	}

	sess.AppendEvent(state.EventResolveDecision, map[string]any{
		"utterance_id":    utteranceID,
		"stream_role":     string(role),
		"cluster_id":      clusterID,
		"speaker_name":    out.name,
		"decision":        string(out.decision),
		"identity_source": string(out.source),
		"confidence":      out.confidence,
	})
}

// upsertCluster folds the placement result into the session's clusters.
func upsertCluster(sess *state.Session, placed *inference.ResolveResponse, embedding []float32) {
	centroid := placed.Centroid
	if len(centroid) == 0 {
		centroid = embedding
	}
	if c := sess.FindCluster(placed.ClusterID); c != nil {
		c.Centroid = centroid
		c.SampleCount++
		return
	}
	sess.Clusters = append(sess.Clusters, state.Cluster{
		ClusterID:   placed.ClusterID,
		Centroid:    centroid,
		SampleCount: 1,
	})
}

// bestProfile scores the embedding against every enrollment profile and
// returns the winner with its score and lead over the runner-up.
func bestProfile(profiles []state.Profile, embedding []float32) (name string, top, margin float64) {
	second := -1.0
	top = -1.0
	for _, p := range profiles {
		if len(p.Centroid) == 0 {
			continue
		}
		score := Cosine(embedding, p.Centroid)
		if score > top {
			second = top
			top = score
			name = p.Name
		} else if score > second {
			second = score
		}
	}
	if name == "" {
		return "", 0, 0
	}
	if second < 0 {
		return name, top, top // single profile: full lead
	}
	return name, top, top - second
}

// Cosine returns the cosine similarity of two vectors; 0 when either is
// degenerate.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// extractEmbedding pulls the utterance's audio out of the chunk store and
// asks the inference service for a speaker embedding.
func (r *Resolver) extractEmbedding(ctx context.Context, sessionID string, u state.Utterance) ([]float32, error) {
	fromSeq := int(u.StartMS/1000) + 1
	toSeq := int(u.EndMS/1000) + 1
	chunks, _, err := r.chunks.Range(ctx, sessionID, string(u.StreamRole), fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("resolver: no audio for utterance %s", u.UtteranceID)
	}
	var audio []byte
	for _, c := range chunks {
		audio = append(audio, c.Data...)
	}

	var resp inference.ExtractEmbeddingResponse
	err = r.inf.Call(ctx, inference.EndpointExtractEmbedding, inference.ExtractEmbeddingRequest{
		SessionID:  sessionID,
		StreamRole: string(u.StreamRole),
		AudioB64:   base64.StdEncoding.EncodeToString(audio),
		SampleRate: pcm.SampleRate,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

// ClusterMap applies a manual cluster-to-name mapping. The cluster must
// exist; mapping an unknown cluster fails with ErrUnknownCluster instead
// of leaving a dangling binding.
func (r *Resolver) ClusterMap(ctx context.Context, sessionID, clusterID, name string, locked bool) error {
	_, err := r.states.Update(ctx, sessionID, func(sess *state.Session) error {
		if sess.FindCluster(clusterID) == nil {
			return fmt.Errorf("%w: %s", ErrUnknownCluster, clusterID)
		}
		sess.Bindings[clusterID] = name
		sess.BindingMeta[clusterID] = state.BindingMeta{
			Source:     state.SourceManualMap,
			Confidence: 1,
			Locked:     locked,
			UpdatedAt:  time.Now().UnixMilli(),
		}
		if c := sess.FindCluster(clusterID); c != nil {
			c.BoundName = name
		}
		sess.AppendEvent(state.EventClusterMap, map[string]any{
			"cluster_id": clusterID,
			"name":       name,
			"locked":     locked,
		})
		return nil
	})
	return err
}

// UnresolvedClusters lists the clusters with no binding yet.
func UnresolvedClusters(sess *state.Session) []state.Cluster {
	var out []state.Cluster
	for _, c := range sess.Clusters {
		if name, ok := sess.Bindings[c.ClusterID]; !ok || name == "" {
			out = append(out, c)
		}
	}
	return out
}
