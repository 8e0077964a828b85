//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	defaultBaseURL = "http://localhost:8080/api/v1"
	candidateID    = "e2e-candidate"
)

var (
	baseURL string
	dbURL   string
	auth    *service.AuthService
)

func TestMain(m *testing.M) {
	// Load .env if present (ignore error)
	_ = godotenv.Load("../../.env")

	cfg := config.Load()
	auth = service.NewAuthService(cfg)
	dbURL = cfg.DatabaseURL

	baseURL = os.Getenv("BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	os.Exit(m.Run())
}

type envelope struct {
	Data struct {
		Progress struct {
			SessionID     string `json:"session_id"`
			State         string `json:"state"`
			AnsweredCount int    `json:"answered_count"`
		} `json:"progress"`
		Result *struct {
			Receipt string `json:"receipt"`
		} `json:"result"`
	} `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func TestE2EFlow(t *testing.T) {
	sessionID := uuid.New()
	token, err := auth.GenerateCandidateToken(sessionID, candidateID, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	base := "/candidate/sessions/" + sessionID.String()
	var receipt string

	t.Run("Launch", func(t *testing.T) {
		body := model.LaunchSessionRequest{
			Kind: "interview",
			Questions: []model.QuestionRequest{
				{Kind: "single-choice", Text: "Pick one", Options: []string{"a", "b", "c"}},
				{Kind: "free-text", Text: "Explain"},
			},
		}
		var env envelope
		expect(t, http.MethodPost, "/candidate/sessions", body, token, http.StatusCreated, &env)
		if env.Data.Progress.SessionID != sessionID.String() || env.Data.Progress.State != "active" {
			t.Fatalf("unexpected progress %+v", env.Data.Progress)
		}
	})

	t.Run("Answer", func(t *testing.T) {
		var env envelope
		expect(t, http.MethodPut, base+"/answers/0", map[string]int{"option": 2}, token, http.StatusOK, &env)
		expect(t, http.MethodPut, base+"/answers/1", map[string]string{"text": "because"}, token, http.StatusOK, &env)
		if env.Data.Progress.AnsweredCount != 2 {
			t.Fatalf("answered = %d, want 2", env.Data.Progress.AnsweredCount)
		}
	})

	t.Run("AnswerOutOfRange", func(t *testing.T) {
		var env envelope
		expect(t, http.MethodPut, base+"/answers/9", map[string]int{"option": 0}, token, http.StatusBadRequest, &env)
		if env.Error == nil || env.Error.Code != "OUT_OF_RANGE" {
			t.Fatalf("error = %+v", env.Error)
		}
	})

	t.Run("Violation", func(t *testing.T) {
		expect(t, http.MethodPost, base+"/violations", map[string]string{"kind": "tab-switch"}, token, http.StatusOK, nil)
		expect(t, http.MethodPost, base+"/warnings/0/dismiss", nil, token, http.StatusOK, nil)
	})

	t.Run("OtherSessionForbidden", func(t *testing.T) {
		expect(t, http.MethodGet, "/candidate/sessions/"+uuid.NewString(), nil, token, http.StatusForbidden, nil)
	})

	t.Run("Submit", func(t *testing.T) {
		var env envelope
		expect(t, http.MethodPost, base+"/submit", map[string]string{"reason": "candidate-ended"}, token, http.StatusOK, &env)
		if env.Data.Progress.State != "submitting" {
			t.Fatalf("state = %s, want submitting", env.Data.Progress.State)
		}
		expect(t, http.MethodPost, base+"/submit/confirm", nil, token, http.StatusOK, &env)
		if env.Data.Result == nil || env.Data.Result.Receipt == "" {
			t.Fatal("receipt missing")
		}
		receipt = env.Data.Result.Receipt
	})

	t.Run("OutcomePersisted", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		conn, err := pgx.Connect(ctx, dbURL)
		if err != nil {
			t.Fatalf("db connect: %v", err)
		}
		defer conn.Close(ctx)

		// Workers flush asynchronously.
		var (
			reason   string
			stored   string
			answers  int
			violated int
		)
		for {
			err = conn.QueryRow(ctx,
				`SELECT completion_reason, receipt::text FROM session_outcomes WHERE session_id = $1`,
				sessionID).Scan(&reason, &stored)
			if err == nil {
				break
			}
			if err != pgx.ErrNoRows {
				t.Fatalf("query outcome: %v", err)
			}
			select {
			case <-ctx.Done():
				t.Fatal("outcome was not persisted")
			case <-time.After(500 * time.Millisecond):
			}
		}
		if reason != "candidate-ended" || stored != receipt {
			t.Fatalf("stored reason %q receipt %q, want candidate-ended %q", reason, stored, receipt)
		}

		if err := conn.QueryRow(ctx,
			`SELECT count(*) FROM outcome_answers WHERE session_id = $1`, sessionID).Scan(&answers); err != nil {
			t.Fatalf("count answers: %v", err)
		}
		if err := conn.QueryRow(ctx,
			`SELECT count(*) FROM session_violations WHERE session_id = $1 AND acknowledged`, sessionID).Scan(&violated); err != nil {
			t.Fatalf("count violations: %v", err)
		}
		if answers != 2 || violated != 1 {
			t.Fatalf("answers = %d, acknowledged violations = %d", answers, violated)
		}
	})
}

// Helpers

func expect(t *testing.T, method, path string, body interface{}, token string, status int, v interface{}) {
	t.Helper()
	resp, err := do(method, path, body, token)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != status {
		t.Fatalf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, status, raw)
	}
	if v != nil {
		if err := json.Unmarshal(raw, v); err != nil {
			t.Fatalf("json decode: %v", err)
		}
	}
}

func do(method, path string, body interface{}, token string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBytes)
	}

	req, err := http.NewRequest(method, baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}
