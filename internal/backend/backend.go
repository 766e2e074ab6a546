// Package backend adapts external NL-to-SQL services behind one interface.
// The harness never retries a translation: the tool under test is
// non-deterministic, so a retry would be a different sample. Statistical
// sampling belongs to the orchestrator loop.
package backend

import (
	"context"
	"strings"

	"squill/internal/config"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// ContextItem is one prompt artifact shipped with a request, either a schema
// description or a worked question/SQL example.
type ContextItem struct {
	Kind     string `json:"kind"`
	Scope    string `json:"scope,omitempty"`
	Text     string `json:"text,omitempty"`
	Question string `json:"question,omitempty"`
	SQL      string `json:"sql,omitempty"`
}

// Request is one translation ask for one case sample.
type Request struct {
	CaseID   string
	Question string
	Context  []ContextItem
}

// Usage reports token and cost accounting when the service provides it.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// Response is a successful translation.
type Response struct {
	SQL         string
	RawResponse string
	Model       string
	Usage       Usage
}

// Backend turns a natural language question into SQL.
type Backend interface {
	Name() string
	Translate(ctx context.Context, req Request) (*Response, error)
}

// Kind labels an adapter-layer failure. Every kind is recorded as a failed
// sample by the caller; none of them crashes the harness.
type Kind string

const (
	KindUnavailable Kind = "backend_unavailable"
	KindTimeout     Kind = "backend_timeout"
	KindRefused     Kind = "backend_refused"
)

// Failure is a classified translation error.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a backend failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

func failf(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Err: errors.Errorf(format, args...)}
}

// limited wraps a backend with a global in-flight ceiling so the harness
// honors the ceiling the service imposes, however many workers run cases.
type limited struct {
	inner Backend
	sem   *semaphore.Weighted
}

// Limit bounds concurrent Translate calls. n <= 0 leaves the backend as is.
func Limit(b Backend, n int) Backend {
	if n <= 0 {
		return b
	}
	return &limited{inner: b, sem: semaphore.NewWeighted(int64(n))}
}

func (l *limited) Name() string { return l.inner.Name() }

func (l *limited) Translate(ctx context.Context, req Request) (*Response, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, failf(KindTimeout, "waiting for a backend slot: %v", err)
		}
		return nil, errors.Wrap(err, "waiting for a backend slot")
	}
	defer l.sem.Release(1)
	return l.inner.Translate(ctx, req)
}

// FromConfig builds the configured backend, wrapped with its concurrency
// ceiling.
func FromConfig(cfg config.BackendConfig) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Kind {
	case "http":
		b, err = NewHTTP(cfg)
	case "script":
		b, err = NewScript(cfg.ScriptPath)
	default:
		return nil, errors.Errorf("unknown backend kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return Limit(b, cfg.MaxConcurrency), nil
}

// StripFences removes a markdown code fence around SQL, a habit several
// hosted translators cannot shake.
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		head := strings.TrimSpace(trimmed[:i])
		if head == "" || strings.EqualFold(head, "sql") {
			trimmed = trimmed[i+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
