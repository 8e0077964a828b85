// Package feed adapts the Redis Pub/Sub channel the detection pipeline
// publishes on into the violation channel consumed by a session pump.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// Feed message errors.
var (
	ErrEmptyKind   = errors.New("violation kind is required")
	ErrKindTooLong = fmt.Errorf("violation kind exceeds %d characters", session.MaxKindLength)
)

// Decode parses one feed message of the form {"kind": ..., "occurred_at": ...}.
// A missing occurred_at is left zero and stamped by the controller.
func Decode(payload string) (session.Violation, error) {
	var v session.Violation
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return session.Violation{}, fmt.Errorf("decode violation: %w", err)
	}
	v.Kind = strings.ToLower(strings.TrimSpace(v.Kind))
	switch {
	case v.Kind == "":
		return session.Violation{}, ErrEmptyKind
	case utf8.RuneCountInString(v.Kind) > session.MaxKindLength:
		return session.Violation{}, ErrKindTooLong
	}
	return v, nil
}

// Subscriber opens per-session violation feeds.
type Subscriber struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewSubscriber creates a new Subscriber.
func NewSubscriber(rdb *redis.Client, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		rdb: rdb,
		log: log.With().Str("component", "violation_feed").Logger(),
	}
}

// Subscribe returns the violation feed of session id. The channel is closed
// when ctx is cancelled or the subscription ends. Malformed messages are
// logged and skipped.
func (s *Subscriber) Subscribe(ctx context.Context, id uuid.UUID) (<-chan session.Violation, error) {
	channel := config.CacheKey.SessionViolationChannel(id.String())
	ps := s.rdb.Subscribe(ctx, channel)

	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	log := s.log.With().Str("session_id", id.String()).Logger()
	out := make(chan session.Violation)

	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				v, err := Decode(msg.Payload)
				if err != nil {
					log.Warn().Err(err).Str("payload", msg.Payload).Msg("Discarding malformed violation")
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	log.Debug().Str("channel", channel).Msg("Violation feed subscribed")
	return out, nil
}
