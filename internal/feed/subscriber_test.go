package feed

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecode(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		payload  string
		wantKind string
		wantAt   time.Time
		wantErr  error
	}{
		{name: "full", payload: `{"kind":"tab-switch","occurred_at":"2026-03-01T09:30:00Z"}`, wantKind: "tab-switch", wantAt: at},
		{name: "no timestamp", payload: `{"kind":"face-missing"}`, wantKind: "face-missing"},
		{name: "normalized kind", payload: `{"kind":"  Copy-Paste "}`, wantKind: "copy-paste"},
		{name: "empty kind", payload: `{"kind":"  "}`, wantErr: ErrEmptyKind},
		{name: "missing kind", payload: `{}`, wantErr: ErrEmptyKind},
		{name: "kind at limit", payload: `{"kind":"` + strings.Repeat("k", 64) + `"}`, wantKind: strings.Repeat("k", 64)},
		{name: "kind over limit", payload: `{"kind":"` + strings.Repeat("k", 200) + `"}`, wantErr: ErrKindTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Decode(tt.payload)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Decode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if v.Kind != tt.wantKind || !v.OccurredAt.Equal(tt.wantAt) {
				t.Fatalf("Decode() = %+v, want kind %q at %v", v, tt.wantKind, tt.wantAt)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode(`not json`); err == nil {
		t.Fatal("Decode() accepted malformed JSON")
	}
}
