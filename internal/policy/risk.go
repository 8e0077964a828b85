// Package policy scores integrity violations and decides when a proctored
// session should be escalated. The session controller never terminates a
// session on its own; callers consult a RiskPolicy after each violation.
package policy

import (
	"strings"

	"github.com/stemsi/exstem-proctor/internal/session"
)

// Violation kinds reported by the detection pipeline.
const (
	KindTabSwitch       = "tab-switch"
	KindFocusLost       = "focus-lost"
	KindFaceMissing     = "face-missing"
	KindCopyPaste       = "copy-paste"
	KindMultiplePersons = "multiple-persons"
	KindExternalDevice  = "external-device"
)

// DefaultWeight applies to kinds without a rule.
const DefaultWeight = 10

// Rule weighs one violation kind.
type Rule struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	Weight      int    `json:"weight"`
}

// RiskPolicy turns a violation history into a 0-100 risk score.
type RiskPolicy struct {
	Rules                map[string]Rule
	AlertThreshold       int
	AutoTerminate        int
	AutoTerminateEnabled bool
}

// DefaultRules mirrors the detection rules shipped with the proctoring console.
func DefaultRules() map[string]Rule {
	rules := []Rule{
		{Kind: KindTabSwitch, Name: "Tab Switch Detection", Description: "Candidate switched browser tabs or windows", Enabled: true, Weight: 30},
		{Kind: KindFocusLost, Name: "Focus Loss Detection", Description: "Exam window lost focus", Enabled: true, Weight: 30},
		{Kind: KindFaceMissing, Name: "Face Detection", Description: "Candidate face not visible or not verified", Enabled: true, Weight: 25},
		{Kind: KindCopyPaste, Name: "Copy-Paste Detection", Description: "Copy or paste action during the session", Enabled: true, Weight: 15},
		{Kind: KindMultiplePersons, Name: "Multiple Person Detection", Description: "More than one person in frame", Enabled: true, Weight: 20},
		{Kind: KindExternalDevice, Name: "External Device Detection", Description: "Phone or other device detected", Enabled: false, Weight: 10},
	}
	out := make(map[string]Rule, len(rules))
	for _, r := range rules {
		out[r.Kind] = r
	}
	return out
}

// New returns a policy over the default rules.
func New(alertThreshold, autoTerminate int, autoTerminateEnabled bool) *RiskPolicy {
	return &RiskPolicy{
		Rules:                DefaultRules(),
		AlertThreshold:       alertThreshold,
		AutoTerminate:        autoTerminate,
		AutoTerminateEnabled: autoTerminateEnabled,
	}
}

func (p *RiskPolicy) weight(kind string) int {
	rule, ok := p.Rules[strings.ToLower(kind)]
	if !ok {
		return DefaultWeight
	}
	if !rule.Enabled {
		return 0
	}
	return rule.Weight
}

// Score sums rule weights over every record, acknowledged or not, capped at 100.
func (p *RiskPolicy) Score(records []session.ViolationRecord) int {
	score := 0
	for _, r := range records {
		score += p.weight(r.Kind)
		if score >= 100 {
			return 100
		}
	}
	return score
}

// Assessment is the policy verdict for a violation history.
type Assessment struct {
	Score     int  `json:"score"`
	Alert     bool `json:"alert"`
	Terminate bool `json:"terminate"`
}

func (p *RiskPolicy) Assess(records []session.ViolationRecord) Assessment {
	score := p.Score(records)
	return Assessment{
		Score:     score,
		Alert:     score >= p.AlertThreshold,
		Terminate: p.AutoTerminateEnabled && score >= p.AutoTerminate,
	}
}

// Message returns the candidate-facing banner text for a violation kind.
func Message(kind string) string {
	switch strings.ToLower(kind) {
	case KindTabSwitch, KindFocusLost:
		return "Warning: Tab switch detected. Please stay on the exam window. Repeated violations may result in exam termination."
	case KindFaceMissing:
		return "Warning: Your face is not visible. Please stay in front of the camera."
	case KindCopyPaste:
		return "Warning: Copy and paste are not allowed during this session."
	case KindMultiplePersons:
		return "Warning: More than one person detected. Only the candidate may be present."
	case KindExternalDevice:
		return "Warning: External device detected. Put away phones and other devices."
	default:
		return "Warning: Integrity violation detected (" + kind + ")."
	}
}
