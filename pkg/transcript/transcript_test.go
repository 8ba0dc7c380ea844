package transcript

import (
	"math/rand"
	"testing"

	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/state"
)

func sessionWith(teacher, students []state.Utterance) *state.Session {
	return &state.Session{
		UtterancesByStream: map[state.Role][]state.Utterance{
			state.RoleTeacher:  teacher,
			state.RoleStudents: students,
		},
	}
}

func u(role state.Role, speaker, text string, start, end int64) state.Utterance {
	return state.Utterance{
		StreamRole:  role,
		SpeakerName: speaker,
		Text:        text,
		StartMS:     start,
		EndMS:       end,
		IsFinal:     true,
	}
}

func TestRawOrdersByStartWithTeacherTieBreak(t *testing.T) {
	sess := sessionWith(
		[]state.Utterance{u(state.RoleTeacher, "Carol", "welcome", 1000, 2000)},
		[]state.Utterance{
			u(state.RoleStudents, "Alice", "hi", 0, 500),
			u(state.RoleStudents, "Alice", "thanks", 1000, 1800),
		},
	)
	raw := Raw(sess)
	if len(raw) != 3 {
		t.Fatalf("len = %d", len(raw))
	}
	if raw[0].Text != "hi" {
		t.Fatalf("raw[0] = %+v", raw[0])
	}
	// Same start: teacher sorts first.
	if raw[1].StreamRole != state.RoleTeacher || raw[2].StreamRole != state.RoleStudents {
		t.Fatalf("tie-break wrong: %+v / %+v", raw[1], raw[2])
	}
}

func TestMergedCoalescesAdjacentSameSpeaker(t *testing.T) {
	sess := sessionWith(nil, []state.Utterance{
		u(state.RoleStudents, "Alice", "I think", 0, 1000),
		u(state.RoleStudents, "Alice", "it depends", 1200, 2000),  // gap 200 < 400
		u(state.RoleStudents, "Alice", "on the data", 3000, 4000), // gap 1000: no merge
	})
	merged := Merged(sess, Options{})
	if len(merged) != 2 {
		t.Fatalf("merged = %+v", merged)
	}
	if merged[0].Text != "I think it depends" || merged[0].EndMS != 2000 {
		t.Fatalf("merged[0] = %+v", merged[0])
	}
}

func TestMergedDoesNotCoalesceAcrossSpeakers(t *testing.T) {
	sess := sessionWith(nil, []state.Utterance{
		u(state.RoleStudents, "Alice", "one", 0, 1000),
		u(state.RoleStudents, "Bob", "two", 1100, 2000),
	})
	merged := Merged(sess, Options{})
	if len(merged) != 2 {
		t.Fatalf("merged = %+v", merged)
	}
}

// The students mix often re-captures the teacher's line; the cross-stream
// duplicate must be dropped, keeping the teacher original.
func TestMergedDropsCrossStreamEcho(t *testing.T) {
	sess := sessionWith(
		[]state.Utterance{u(state.RoleTeacher, "Carol", "please introduce yourself to the group", 0, 2000)},
		[]state.Utterance{
			u(state.RoleStudents, "", "please introduce yourself to the group", 100, 2100),
			u(state.RoleStudents, "Alice", "sure, my name is Alice", 2500, 4000),
		},
	)
	merged := Merged(sess, Options{})
	if len(merged) != 2 {
		t.Fatalf("merged = %+v", merged)
	}
	if merged[0].StreamRole != state.RoleTeacher {
		t.Fatalf("kept the echo instead of the original: %+v", merged[0])
	}
	if merged[1].SpeakerName != "Alice" {
		t.Fatalf("merged[1] = %+v", merged[1])
	}
}

func TestMergedKeepsDistinctLines(t *testing.T) {
	sess := sessionWith(
		[]state.Utterance{u(state.RoleTeacher, "Carol", "what is your favorite project", 0, 2000)},
		[]state.Utterance{u(state.RoleStudents, "Alice", "I built a compiler last year", 2100, 4000)},
	)
	merged := Merged(sess, Options{})
	if len(merged) != 2 {
		t.Fatalf("distinct lines were merged: %+v", merged)
	}
}

func TestNearDuplicateContainment(t *testing.T) {
	opts := Options{}.withDefaults()
	if !nearDuplicate("my name is Alice", "uh my name is Alice okay", opts) {
		t.Fatal("containment not detected")
	}
	if nearDuplicate("the weather is nice", "tell me about your project", opts) {
		t.Fatal("unrelated texts flagged as duplicates")
	}
}

func TestTokensBilingual(t *testing.T) {
	got := Tokens("Hello 世界, I'm Alice!")
	want := []string{"hello", "世", "界", "i", "m", "alice"}
	if len(got) != len(want) {
		t.Fatalf("tokens = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tokens = %v, want %v", got, want)
		}
	}
}

// Merge contractivity: for arbitrary inputs the merged view is never
// larger than the raw view.
func TestMergeContractivity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	speakers := []string{"Alice", "Bob", "", "Carol"}
	texts := []string{
		"my name is Alice", "I agree", "could you elaborate",
		"我叫小明", "yes", "please introduce yourself",
	}
	for trial := 0; trial < 50; trial++ {
		var teacher, students []state.Utterance
		var tCursor, sCursor int64
		for i := 0; i < rng.Intn(20); i++ {
			start := tCursor + int64(rng.Intn(1500))
			end := start + int64(rng.Intn(2000))
			teacher = append(teacher, u(state.RoleTeacher, "Carol", texts[rng.Intn(len(texts))], start, end))
			tCursor = start
		}
		for i := 0; i < rng.Intn(20); i++ {
			start := sCursor + int64(rng.Intn(1500))
			end := start + int64(rng.Intn(2000))
			students = append(students, u(state.RoleStudents, speakers[rng.Intn(len(speakers))], texts[rng.Intn(len(texts))], start, end))
			sCursor = start
		}
		sess := sessionWith(teacher, students)
		raw := Raw(sess)
		merged := Merged(sess, Options{})
		if len(merged) > len(raw) {
			t.Fatalf("trial %d: merged %d > raw %d", trial, len(merged), len(raw))
		}
	}
}

// Merged is a pure function of state: calling it twice gives identical
// output.
func TestMergedDeterministic(t *testing.T) {
	sess := sessionWith(
		[]state.Utterance{u(state.RoleTeacher, "Carol", "welcome everyone", 0, 1500)},
		[]state.Utterance{
			u(state.RoleStudents, "Alice", "hi my name is Alice", 1600, 3000),
			u(state.RoleStudents, "Alice", "glad to be here", 3200, 4000),
		},
	)
	a := Merged(sess, Options{})
	b := Merged(sess, Options{})
	if len(a) != len(b) {
		t.Fatalf("non-deterministic lengths: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("entry %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}
