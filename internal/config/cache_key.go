package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionAnswersKey returns the hash holding a session's autosaved answers
func (r *CacheKeyStruct) SessionAnswersKey(sessionID string) string {
	return fmt.Sprintf("session:%s:answers", sessionID)
}

// SessionViolationChannel returns the Pub/Sub channel the detector publishes violations on
func (r *CacheKeyStruct) SessionViolationChannel(sessionID string) string {
	return fmt.Sprintf("session:%s:violations", sessionID)
}

// SessionMonitorChannel returns the Pub/Sub channel for live progress and risk alerts
func (r *CacheKeyStruct) SessionMonitorChannel(sessionID string) string {
	return fmt.Sprintf("session:%s:monitor", sessionID)
}

// SessionOutcomeKey returns the key holding a delivered outcome's receipt
func (r *CacheKeyStruct) SessionOutcomeKey(sessionID string) string {
	return fmt.Sprintf("session:%s:outcome", sessionID)
}

var CacheKey = NewCacheKeyStruct()
