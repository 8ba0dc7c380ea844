// Package transcript materializes read views over the per-stream
// utterances. Both views are pure functions of the utterance set at call
// time; nothing here is cached or persisted.
//
// The raw view interleaves the two streams by time. The merged view
// additionally coalesces adjacent same-speaker fragments and drops
// near-duplicate lines that leaked across streams (the students mix
// often captures the interviewer's voice as well).
package transcript

import (
	"slices"
	"strings"
	"unicode"

	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/state"
)

// Options are the merge knobs. The defaults come from the tuned config
// surface rather than first principles; they are exposed so operators can
// adjust them.
type Options struct {
	// MergeGapMS coalesces adjacent same-speaker, same-stream utterances
	// whose gap is below this. Default 400.
	MergeGapMS int64
	// JaccardCutoff is the token-bag similarity above which two lines
	// from different streams count as duplicates. Default 0.7.
	JaccardCutoff float64
	// EdgeOverlap is the prefix/suffix token overlap ratio above which
	// two lines count as duplicates. Default 0.6.
	EdgeOverlap float64
	// DedupeWindowMS bounds how far apart in time two lines can be and
	// still be compared for duplication. Default 5000.
	DedupeWindowMS int64
}

func (o Options) withDefaults() Options {
	if o.MergeGapMS == 0 {
		o.MergeGapMS = 400
	}
	if o.JaccardCutoff == 0 {
		o.JaccardCutoff = 0.7
	}
	if o.EdgeOverlap == 0 {
		o.EdgeOverlap = 0.6
	}
	if o.DedupeWindowMS == 0 {
		o.DedupeWindowMS = 5000
	}
	return o
}

// Raw returns both streams interleaved by start_ms, unmodified. Ties
// break teacher before students.
func Raw(sess *state.Session) []state.Utterance {
	var out []state.Utterance
	for _, role := range state.Roles {
		out = append(out, sess.UtterancesByStream[role]...)
	}
	slices.SortStableFunc(out, compareUtterances)
	return out
}

// Merged returns the raw view after same-speaker coalescing and
// cross-stream deduplication. For any input, len(Merged) <= len(Raw).
func Merged(sess *state.Session, opts Options) []state.Utterance {
	opts = opts.withDefaults()
	raw := Raw(sess)
	coalesced := coalesce(raw, opts.MergeGapMS)
	return dedupe(coalesced, opts)
}

func compareUtterances(a, b state.Utterance) int {
	if a.StartMS != b.StartMS {
		if a.StartMS < b.StartMS {
			return -1
		}
		return 1
	}
	// teacher sorts before students
	if a.StreamRole != b.StreamRole {
		if a.StreamRole == state.RoleTeacher {
			return -1
		}
		return 1
	}
	return 0
}

// coalesce merges each adjacent pair with the same speaker and stream
// whose gap is under the threshold, concatenating text and extending the
// time range.
func coalesce(in []state.Utterance, gapMS int64) []state.Utterance {
	var out []state.Utterance
	for _, u := range in {
		if n := len(out); n > 0 {
			prev := &out[n-1]
			if prev.StreamRole == u.StreamRole &&
				prev.SpeakerName == u.SpeakerName &&
				u.StartMS-prev.EndMS < gapMS {
				prev.Text = joinText(prev.Text, u.Text)
				if u.EndMS > prev.EndMS {
					prev.EndMS = u.EndMS
				}
				continue
			}
		}
		out = append(out, u)
	}
	return out
}

// dedupe drops lines that near-duplicate an earlier kept line from the
// other stream. The earlier line wins, which with the sort order means
// the teacher's own microphone beats its echo in the students mix.
func dedupe(in []state.Utterance, opts Options) []state.Utterance {
	var out []state.Utterance
	for _, u := range in {
		dup := false
		for i := len(out) - 1; i >= 0; i-- {
			kept := out[i]
			if u.StartMS-kept.StartMS > opts.DedupeWindowMS {
				break
			}
			if kept.StreamRole == u.StreamRole {
				continue
			}
			if nearDuplicate(kept.Text, u.Text, opts) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, u)
		}
	}
	return out
}

// nearDuplicate reports whether two texts are close enough to be the same
// speech captured twice: high edge overlap, high token-bag Jaccard, or
// strict containment.
func nearDuplicate(a, b string, opts Options) bool {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return false
	}
	if edgeOverlap(ta, tb) >= opts.EdgeOverlap {
		return true
	}
	if jaccard(ta, tb) >= opts.JaccardCutoff {
		return true
	}
	na, nb := strings.Join(ta, " "), strings.Join(tb, " ")
	if na != nb && (strings.Contains(na, nb) || strings.Contains(nb, na)) {
		return true
	}
	return false
}

// edgeOverlap is the larger of the common-prefix and common-suffix token
// runs, relative to the shorter text.
func edgeOverlap(a, b []string) float64 {
	short := min(len(a), len(b))
	prefix := 0
	for prefix < short && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < short && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	return float64(max(prefix, suffix)) / float64(short)
}

// jaccard is the similarity of the two token sets.
func jaccard(a, b []string) float64 {
	seen := make(map[string]bool, len(a))
	for _, t := range a {
		seen[t] = true
	}
	inter := 0
	union := len(seen)
	counted := make(map[string]bool, len(b))
	for _, t := range b {
		if counted[t] {
			continue
		}
		counted[t] = true
		if seen[t] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Tokens normalizes text for comparison: lowercased latin/digit words,
// with each Han character as its own token so Chinese compares without a
// segmenter.
func Tokens(text string) []string {
	var out []string
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			out = append(out, word.String())
			word.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			out = append(out, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(unicode.ToLower(r))
		default:
			flush()
		}
	}
	flush()
	return out
}

func joinText(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	// No separator between CJK fragments.
	ra := []rune(a)
	rb := []rune(b)
	if unicode.Is(unicode.Han, ra[len(ra)-1]) && unicode.Is(unicode.Han, rb[0]) {
		return a + b
	}
	return a + " " + b
}
