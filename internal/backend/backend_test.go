package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"squill/internal/config"
)

func TestHTTPTranslate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Question == "" || len(req.Context) != 1 || req.Context[0].Kind != "description" {
			http.Error(w, "incomplete request", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"sql":   "```sql\nSELECT SUM(age_over_100) FROM population_data WHERE year = 2020\n```",
			"model": "nl2sql-large",
			"usage": map[string]any{"prompt_tokens": 812, "completion_tokens": 46, "total_tokens": 858},
		})
	}))
	defer server.Close()

	t.Setenv("SQUILL_TEST_TOKEN", "sekrit")
	b, err := NewHTTP(config.BackendConfig{
		Endpoint:         server.URL,
		Model:            "nl2sql-large",
		TokenEnv:         "SQUILL_TEST_TOKEN",
		RequestTimeoutMs: 5000,
	})
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}

	resp, err := b.Translate(context.Background(), Request{
		CaseID:   "q1-over-100",
		Question: "In 2020, how many people were over 100 years old?",
		Context:  []ContextItem{{Kind: "description", Scope: "population_data.age_over_100", Text: "centenarians"}},
	})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	want := "SELECT SUM(age_over_100) FROM population_data WHERE year = 2020"
	if resp.SQL != want {
		t.Fatalf("SQL = %q, want fences stripped", resp.SQL)
	}
	if resp.Model != "nl2sql-large" || resp.Usage.TotalTokens != 858 {
		t.Fatalf("metadata = %q/%d, want nl2sql-large/858", resp.Model, resp.Usage.TotalTokens)
	}
	if resp.RawResponse == "" {
		t.Fatal("raw response body should be preserved")
	}
}

func TestHTTPClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   Kind
	}{
		{"server error", 500, "oops", KindUnavailable},
		{"rate limited", 429, "slow down", KindUnavailable},
		{"forbidden", 403, "who are you", KindRefused},
		{"explicit refusal", 200, `{"refusal":"question is out of scope"}`, KindRefused},
		{"empty sql", 200, `{"sql":""}`, KindRefused},
		{"service error body", 200, `{"error":"model overloaded"}`, KindUnavailable},
		{"garbage body", 200, `not json at all`, KindUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer server.Close()

			b, err := NewHTTP(config.BackendConfig{Endpoint: server.URL, RequestTimeoutMs: 5000})
			if err != nil {
				t.Fatalf("NewHTTP: %v", err)
			}
			_, err = b.Translate(context.Background(), Request{Question: "q"})
			failure, ok := AsFailure(err)
			if !ok {
				t.Fatalf("err = %v, want a backend failure", err)
			}
			if failure.Kind != tc.kind {
				t.Fatalf("kind = %v, want %v", failure.Kind, tc.kind)
			}
		})
	}
}

func TestHTTPTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{"sql":"SELECT 1"}`))
	}))
	defer server.Close()

	b, err := NewHTTP(config.BackendConfig{Endpoint: server.URL, RequestTimeoutMs: 40})
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	_, err = b.Translate(context.Background(), Request{Question: "q"})
	failure, ok := AsFailure(err)
	if !ok || failure.Kind != KindTimeout {
		t.Fatalf("err = %v, want backend_timeout", err)
	}
}

func TestHTTPUnreachable(t *testing.T) {
	b, err := NewHTTP(config.BackendConfig{Endpoint: "http://127.0.0.1:1/translate", RequestTimeoutMs: 1000})
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	_, err = b.Translate(context.Background(), Request{Question: "q"})
	failure, ok := AsFailure(err)
	if !ok || failure.Kind != KindUnavailable {
		t.Fatalf("err = %v, want backend_unavailable", err)
	}
}

func TestNewHTTPRequiresToken(t *testing.T) {
	_, err := NewHTTP(config.BackendConfig{
		Endpoint: "http://example.invalid",
		TokenEnv: "SQUILL_TEST_TOKEN_THAT_IS_NOT_SET",
	})
	if err == nil {
		t.Fatal("NewHTTP should reject a missing token variable")
	}
}

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestScriptCycling(t *testing.T) {
	path := writeScript(t, `cases:
  q1-over-100:
    - sql: SELECT 1
    - sql: SELECT 2
  q9-out-of-scope:
    - refusal: the question needs data we do not have
`)
	s, err := NewScript(path)
	if err != nil {
		t.Fatalf("NewScript: %v", err)
	}

	var got []string
	for i := 0; i < 3; i++ {
		resp, err := s.Translate(context.Background(), Request{CaseID: "q1-over-100"})
		if err != nil {
			t.Fatalf("Translate %d: %v", i, err)
		}
		got = append(got, resp.SQL)
	}
	want := []string{"SELECT 1", "SELECT 2", "SELECT 1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %q, want %q (cycle through the script)", i, got[i], want[i])
		}
	}

	_, err = s.Translate(context.Background(), Request{CaseID: "q9-out-of-scope"})
	failure, ok := AsFailure(err)
	if !ok || failure.Kind != KindRefused {
		t.Fatalf("refusal sample: err = %v, want backend_refused", err)
	}

	_, err = s.Translate(context.Background(), Request{CaseID: "never-scripted"})
	if failure, ok := AsFailure(err); !ok || failure.Kind != KindRefused {
		t.Fatalf("unknown case: err = %v, want backend_refused", err)
	}
}

type slowBackend struct {
	inflight int32
	maxSeen  int32
}

func (s *slowBackend) Name() string { return "slow" }

func (s *slowBackend) Translate(context.Context, Request) (*Response, error) {
	cur := atomic.AddInt32(&s.inflight, 1)
	for {
		seen := atomic.LoadInt32(&s.maxSeen)
		if cur <= seen || atomic.CompareAndSwapInt32(&s.maxSeen, seen, cur) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	atomic.AddInt32(&s.inflight, -1)
	return &Response{SQL: "SELECT 1"}, nil
}

func TestLimitCeiling(t *testing.T) {
	slow := &slowBackend{}
	b := Limit(slow, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Translate(context.Background(), Request{Question: "q"}); err != nil {
				t.Errorf("Translate: %v", err)
			}
		}()
	}
	wg.Wait()

	if seen := atomic.LoadInt32(&slow.maxSeen); seen > 2 {
		t.Fatalf("saw %d concurrent calls, ceiling is 2", seen)
	}
}

func TestLimitHonorsDeadline(t *testing.T) {
	slow := &slowBackend{}
	b := Limit(slow, 1)

	release := make(chan struct{})
	go func() {
		defer close(release)
		b.Translate(context.Background(), Request{Question: "holder"})
	}()
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
	defer cancel()
	_, err := b.Translate(ctx, Request{Question: "waiter"})
	<-release
	if err == nil {
		return // the holder finished first; nothing to assert
	}
	if failure, ok := AsFailure(err); ok && failure.Kind != KindTimeout {
		t.Fatalf("kind = %v, want backend_timeout", failure.Kind)
	}
}

func TestStripFences(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"  SELECT 1  ", "SELECT 1"},
		{"```sql\nSELECT 1\n```", "SELECT 1"},
		{"```\nSELECT 1\n```", "SELECT 1"},
		{"```SELECT 1```", "SELECT 1"},
		{"```sql\nSELECT name\nFROM region\n```", "SELECT name\nFROM region"},
	}
	for _, tc := range cases {
		if got := StripFences(tc.in); got != tc.want {
			t.Fatalf("StripFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	path := writeScript(t, "cases:\n  q1:\n    - sql: SELECT 1\n")
	b, err := FromConfig(config.BackendConfig{Kind: "script", ScriptPath: path, MaxConcurrency: 2})
	if err != nil {
		t.Fatalf("FromConfig(script): %v", err)
	}
	if b.Name() != "script" {
		t.Fatalf("Name = %q, want script", b.Name())
	}

	if _, err := FromConfig(config.BackendConfig{Kind: "http"}); err == nil {
		t.Fatal("http backend without an endpoint should fail")
	}
	if _, err := FromConfig(config.BackendConfig{Kind: "carrier-pigeon"}); err == nil {
		t.Fatal("unknown backend kind should fail")
	}
}
