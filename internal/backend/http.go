package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"squill/internal/config"

	"github.com/pkg/errors"
)

const maxResponseBytes = 1 << 20

// HTTP talks to a hosted translation service over JSON.
type HTTP struct {
	endpoint string
	model    string
	token    string
	client   *http.Client
}

// NewHTTP builds the HTTP adapter. The bearer token comes from the
// environment variable named in the config so secrets stay out of files.
func NewHTTP(cfg config.BackendConfig) (*HTTP, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("http backend needs an endpoint")
	}
	token := ""
	if cfg.TokenEnv != "" {
		token = os.Getenv(cfg.TokenEnv)
		if token == "" {
			return nil, errors.Errorf("environment variable %s is not set", cfg.TokenEnv)
		}
	}
	return &HTTP{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		token:    token,
		client:   &http.Client{Timeout: time.Duration(cfg.RequestTimeoutMs) * time.Millisecond},
	}, nil
}

func (h *HTTP) Name() string { return "http" }

type wireRequest struct {
	CaseID   string        `json:"case_id,omitempty"`
	Question string        `json:"question"`
	Context  []ContextItem `json:"context,omitempty"`
	Model    string        `json:"model,omitempty"`
}

type wireResponse struct {
	SQL     string `json:"sql"`
	Model   string `json:"model"`
	Refusal string `json:"refusal"`
	Error   string `json:"error"`
	Usage   Usage  `json:"usage"`
}

// Translate posts the question and prompt context, then classifies the
// outcome. One request per call, no retries.
func (h *HTTP) Translate(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(wireRequest{
		CaseID:   req.CaseID,
		Question: req.Question,
		Context:  req.Context,
		Model:    h.model,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if h.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, failf(KindTimeout, "%v", err)
		}
		return nil, failf(KindUnavailable, "%v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(err) {
			return nil, failf(KindTimeout, "read response: %v", err)
		}
		return nil, failf(KindUnavailable, "read response: %v", err)
	}

	switch {
	case resp.StatusCode/100 == 2:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, failf(KindUnavailable, "status %s: %s", resp.Status, firstLine(raw))
	default:
		return nil, failf(KindRefused, "status %s: %s", resp.Status, firstLine(raw))
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, failf(KindUnavailable, "malformed response body: %v", err)
	}
	if wire.Refusal != "" {
		return nil, failf(KindRefused, "%s", wire.Refusal)
	}
	if wire.Error != "" {
		return nil, failf(KindUnavailable, "%s", wire.Error)
	}
	sqlText := StripFences(wire.SQL)
	if sqlText == "" {
		return nil, failf(KindRefused, "response carried no sql")
	}
	return &Response{
		SQL:         sqlText,
		RawResponse: string(raw),
		Model:       wire.Model,
		Usage:       wire.Usage,
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func firstLine(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
