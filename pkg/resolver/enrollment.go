package resolver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/inference"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/pcm"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/state"
)

// ErrEnrollmentInactive is returned by StopEnrollment when no window is
// open.
var ErrEnrollmentInactive = errors.New("resolver: enrollment not active")

// StartEnrollment opens a sample-collection window for the named
// participant. Students-stream audio arriving while the window is open is
// attributed to them when the window closes.
func (r *Resolver) StartEnrollment(ctx context.Context, sessionID, participant string) error {
	if participant == "" {
		return fmt.Errorf("resolver: enrollment needs a participant name")
	}
	_, err := r.states.Update(ctx, sessionID, func(sess *state.Session) error {
		sess.Enrollment = state.Enrollment{
			Active:            true,
			ActiveParticipant: participant,
			StartedAt:         time.Now().UnixMilli(),
			StartSeq:          sess.IngestByStream[state.RoleStudents].LastSeq + 1,
		}
		if sess.FindProfile(participant) == nil {
			sess.Profiles = append(sess.Profiles, state.Profile{
				Name:   participant,
				Status: "collecting",
			})
		}
		sess.AppendEvent(state.EventEnrollmentSample, map[string]any{
			"phase":       "start",
			"participant": participant,
		})
		return nil
	})
	return err
}

// StopEnrollment closes the window, ships the collected audio to the
// enroll endpoint, and folds the returned centroid into the participant's
// profile.
func (r *Resolver) StopEnrollment(ctx context.Context, sessionID string) error {
	sess, err := r.states.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	enr := sess.Enrollment
	if !enr.Active {
		return ErrEnrollmentInactive
	}
	lastSeq := sess.IngestByStream[state.RoleStudents].LastSeq

	// The RPC runs outside the state transaction; its result is applied in
	// a follow-up write.
	var resp *inference.EnrollResponse
	var enrollErr error
	if lastSeq >= enr.StartSeq {
		chunks, _, err := r.chunks.Range(ctx, sessionID, string(state.RoleStudents), enr.StartSeq, lastSeq)
		if err != nil {
			return err
		}
		var audio []byte
		for _, c := range chunks {
			audio = append(audio, c.Data...)
		}
		if len(audio) > 0 {
			var out inference.EnrollResponse
			enrollErr = r.inf.Call(ctx, inference.EndpointEnroll, inference.EnrollRequest{
				SessionID:       sessionID,
				ParticipantName: enr.ActiveParticipant,
				AudioB64:        base64.StdEncoding.EncodeToString(audio),
				SampleRate:      pcm.SampleRate,
			}, &out)
			if enrollErr == nil {
				resp = &out
			}
		}
	}

	_, err = r.states.Update(ctx, sessionID, func(sess *state.Session) error {
		sess.Enrollment = state.Enrollment{}
		p := sess.FindProfile(enr.ActiveParticipant)
		if p == nil {
			sess.Profiles = append(sess.Profiles, state.Profile{Name: enr.ActiveParticipant})
			p = &sess.Profiles[len(sess.Profiles)-1]
		}
		payload := map[string]any{
			"phase":       "stop",
			"participant": enr.ActiveParticipant,
			"start_seq":   enr.StartSeq,
			"end_seq":     lastSeq,
		}
		if resp != nil {
			p.Centroid = resp.Centroid
			p.SampleCount++
			p.SampleSeconds += resp.SampleSeconds
			p.Status = "ready"
			payload["sample_seconds"] = resp.SampleSeconds
		} else {
			p.Status = "failed"
			if enrollErr != nil {
				payload["error"] = enrollErr.Error()
				r.log.Warn("enrollment sample rejected",
					"session_id", sessionID, "participant", enr.ActiveParticipant, "err", enrollErr)
			}
		}
		sess.AppendEvent(state.EventEnrollmentSample, payload)
		return nil
	})
	return err
}
