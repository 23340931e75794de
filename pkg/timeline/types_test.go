// ABOUTME: Tests for the timeline data model
// ABOUTME: MIDI note-on detection and flag queries
package timeline

import "testing"

func TestIsNoteOn(t *testing.T) {
	cases := []struct {
		status uint8
		want   bool
	}{
		{143, false}, // note-off, channel 16
		{144, true},  // note-on, channel 1
		{151, true},  // note-on, channel 8
		{159, true},  // note-on, channel 16
		{160, false}, // polyphonic aftertouch
		{0, false},
	}
	for _, c := range cases {
		if got := IsNoteOn(c.status); got != c.want {
			t.Errorf("IsNoteOn(%d) = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestFlagsHas(t *testing.T) {
	f := FlagLate | FlagUncompensated
	if !f.Has(FlagLate) || !f.Has(FlagUncompensated) {
		t.Error("set flags must be reported")
	}
	if f.Has(FlagInvalid) {
		t.Error("unset flag reported as set")
	}
	if (Flags(0)).Has(FlagLate) {
		t.Error("zero flags must report nothing")
	}
}
