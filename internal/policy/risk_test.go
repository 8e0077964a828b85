package policy

import (
	"strings"
	"testing"

	"github.com/stemsi/exstem-proctor/internal/session"
)

func records(kinds ...string) []session.ViolationRecord {
	out := make([]session.ViolationRecord, len(kinds))
	for i, k := range kinds {
		out[i] = session.ViolationRecord{Seq: i, Kind: k}
	}
	return out
}

func TestScore(t *testing.T) {
	p := New(70, 90, true)

	tests := []struct {
		name  string
		kinds []string
		want  int
	}{
		{name: "none", want: 0},
		{name: "single tab switch", kinds: []string{KindTabSwitch}, want: 30},
		{name: "mixed", kinds: []string{KindTabSwitch, KindFaceMissing, KindCopyPaste}, want: 70},
		{name: "disabled rule", kinds: []string{KindExternalDevice}, want: 0},
		{name: "unknown kind", kinds: []string{"eye-movement"}, want: DefaultWeight},
		{name: "case insensitive", kinds: []string{"Tab-Switch"}, want: 30},
		{name: "capped", kinds: []string{KindTabSwitch, KindTabSwitch, KindTabSwitch, KindTabSwitch}, want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Score(records(tt.kinds...)); got != tt.want {
				t.Fatalf("Score() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAssess(t *testing.T) {
	three := records(KindTabSwitch, KindTabSwitch, KindTabSwitch)

	a := New(70, 90, true).Assess(three)
	if !a.Alert || !a.Terminate || a.Score != 90 {
		t.Fatalf("Assess() = %+v, want alert+terminate at 90", a)
	}

	a = New(70, 90, false).Assess(three)
	if !a.Alert || a.Terminate {
		t.Fatalf("Assess() with auto-terminate disabled = %+v", a)
	}

	a = New(70, 90, true).Assess(records(KindCopyPaste))
	if a.Alert || a.Terminate {
		t.Fatalf("Assess() below thresholds = %+v", a)
	}
}

func TestMessage(t *testing.T) {
	if got := Message(KindTabSwitch); !strings.Contains(got, "Tab switch detected") {
		t.Fatalf("Message(tab-switch) = %q", got)
	}
	if got := Message("gaze"); !strings.Contains(got, "gaze") {
		t.Fatalf("Message(gaze) = %q, want the kind echoed", got)
	}
}
