// Package replay drives a session controller from a recorded script without a
// server: every tick, answer and violation is applied in order against a
// simulated clock. It is used to reproduce candidate disputes and by sessionctl.
package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// Step operations.
const (
	OpTick      = "tick"
	OpAnswer    = "answer"
	OpFlag      = "flag"
	OpNavigate  = "navigate"
	OpNext      = "next"
	OpPrevious  = "previous"
	OpViolation = "violation"
	OpDismiss   = "dismiss"
	OpSubmit    = "submit"
	OpCancel    = "cancel"
	OpConfirm   = "confirm"
	OpRetry     = "retry"
)

// Script is a recorded session: the launch payload followed by the candidate
// actions and clock ticks in the order they happened.
type Script struct {
	Session   model.LaunchSessionRequest `json:"session"`
	StartedAt *time.Time                 `json:"started_at"`
	Steps     []Step                     `json:"steps" binding:"dive"`
}

// Step is one scripted action. Fields are read according to Op.
type Step struct {
	Op     string  `json:"op" binding:"required,oneof=tick answer flag navigate next previous violation dismiss submit cancel confirm retry"`
	Count  int     `json:"count" binding:"min=0"`
	Index  int     `json:"index"`
	Option *int    `json:"option"`
	Text   *string `json:"text"`
	Kind   string  `json:"kind" binding:"required_if=Op violation,max=64"`
	Seq    int     `json:"seq"`
	Reason string  `json:"reason" binding:"omitempty,oneof=manual-submit candidate-ended proctor-terminated"`
}

// ValidationError lists the fields of a script that failed validation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "invalid script: " + strings.Join(parts, "; ")
}

// Load decodes and validates a script.
func Load(r io.Reader) (*Script, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var s Script
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	if fields := validator.Validate(&s); fields != nil {
		return nil, &ValidationError{Fields: fields}
	}
	return &s, nil
}

// LoadFile reads a script from path; "-" reads stdin.
func LoadFile(path string) (*Script, error) {
	if path == "-" {
		return Load(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
