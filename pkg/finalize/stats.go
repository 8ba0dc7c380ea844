package finalize

import (
	"sort"

	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/state"
)

// SpeakerStat aggregates one speaker's share of the conversation.
type SpeakerStat struct {
	Speaker       string `json:"speaker"`
	TalkTimeMS    int64  `json:"talk_time_ms"`
	Turns         int    `json:"turns"`
	Interruptions int    `json:"interruptions"`
}

// ComputeStats derives per-speaker talk time, turn counts, and
// interruptions from the merged transcript. A turn interrupts when it
// starts inside a preceding turn's [start_ms, end_ms) from a different
// speaker. Unattributed turns aggregate under "unknown".
func ComputeStats(lines []state.Utterance) []SpeakerStat {
	byName := make(map[string]*SpeakerStat)
	get := func(name string) *SpeakerStat {
		if name == "" {
			name = "unknown"
		}
		st, ok := byName[name]
		if !ok {
			st = &SpeakerStat{Speaker: name}
			byName[name] = st
		}
		return st
	}

	for i, u := range lines {
		st := get(u.SpeakerName)
		if d := u.EndMS - u.StartMS; d > 0 {
			st.TalkTimeMS += d
		}
		st.Turns++

		for j := i - 1; j >= 0; j-- {
			prev := lines[j]
			if prev.EndMS <= u.StartMS {
				continue
			}
			if prev.StartMS > u.StartMS {
				continue
			}
			if speakerOf(prev) != speakerOf(u) {
				st.Interruptions++
				break
			}
		}
	}

	out := make([]SpeakerStat, 0, len(byName))
	for _, st := range byName {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Speaker < out[j].Speaker })
	return out
}

func speakerOf(u state.Utterance) string {
	if u.SpeakerName != "" {
		return u.SpeakerName
	}
	return "unknown:" + string(u.StreamRole)
}
