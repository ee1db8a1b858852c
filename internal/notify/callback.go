package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"underwriter/internal/logging"
)

// Callback event types sent to the system of record.
const (
	CallbackWorkflowStarted = "workflow_started"
	CallbackAgentAnalysis   = "agent_analysis"
	CallbackDecisionMade    = "decision_made"
	CallbackWorkflowFailed  = "workflow_failed"
)

const defaultCallbackTimeout = 10 * time.Second

// CallbackConfig configures delivery to the system of record. URL may carry
// a {run_id} placeholder.
type CallbackConfig struct {
	URL        string
	Secret     string
	SigningKey string
	Timeout    time.Duration
}

// Callback posts lifecycle events as {event_type, data}. Delivery is best
// effort: failures are logged and never returned to the caller.
type Callback struct {
	cfg    CallbackConfig
	client *http.Client
	logger *logging.Logger
	now    func() time.Time
}

func NewCallback(cfg CallbackConfig, logger *logging.Logger) *Callback {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallbackTimeout
	}
	return &Callback{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
		now:    time.Now,
	}
}

// Enabled reports whether a callback URL is configured.
func (c *Callback) Enabled() bool {
	return c != nil && strings.TrimSpace(c.cfg.URL) != ""
}

type callbackBody struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

// Send delivers one event. It is a no-op when no URL is configured.
func (c *Callback) Send(ctx context.Context, runID, eventType string, data map[string]any) {
	if !c.Enabled() {
		return
	}
	if err := c.post(ctx, runID, eventType, data); err != nil {
		c.logger.Warn("callback delivery failed", "run_id", runID, "event_type", eventType, "error", err)
	}
}

func (c *Callback) post(ctx context.Context, runID, eventType string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	body, err := json.Marshal(callbackBody{EventType: eventType, Data: data})
	if err != nil {
		return err
	}
	url := strings.ReplaceAll(c.cfg.URL, "{run_id}", runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Underwriter-Event", eventType)
	req.Header.Set("X-Underwriter-Run", runID)
	if strings.TrimSpace(c.cfg.Secret) != "" {
		req.Header.Set("X-Underwriter-Secret", c.cfg.Secret)
	}
	if strings.TrimSpace(c.cfg.SigningKey) != "" {
		token, err := c.sign(runID, eventType)
		if err != nil {
			return fmt.Errorf("sign callback: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

type callbackClaims struct {
	jwt.RegisteredClaims
	EventType string `json:"event_type"`
}

func (c *Callback) sign(runID, eventType string) (string, error) {
	now := c.now()
	claims := callbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   runID,
			Issuer:    "underwriter",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
		EventType: eventType,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.SigningKey))
}

// VerifyCallbackToken parses a bearer token produced by Callback. Receivers
// of callbacks can use it to authenticate the sender.
func VerifyCallbackToken(token, key string) (runID, eventType string, err error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &callbackClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(key), nil
	})
	if err != nil {
		return "", "", err
	}
	if !parsed.Valid {
		return "", "", fmt.Errorf("invalid token")
	}
	return claims.Subject, claims.EventType, nil
}
