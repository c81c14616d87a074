package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	c, err := NewClient("test-key", "test-model", 5*time.Second)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	c.SetBaseURL(ts.URL)
	return c
}

func TestNewClientRejectsEmptyKey(t *testing.T) {
	if _, err := NewClient("", "model", time.Second); err == nil {
		t.Fatal("NewClient accepted empty key, want error")
	}
}

func TestGenerateReturnsCandidateText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		// history turns precede the prompt
		if len(req.Contents) != 3 {
			t.Errorf("got %d contents, want 3 (2 history + prompt)", len(req.Contents))
		}
		if req.Contents[0].Role != "user" || req.Contents[1].Role != "model" {
			t.Errorf("history roles = %q, %q; want user, model", req.Contents[0].Role, req.Contents[1].Role)
		}
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"マジかよ"}]}}]}`)
	})

	history := []Turn{
		{Role: "user", Content: "おはよう"},
		{Role: "model", Content: "おう"},
	}
	got, err := c.Generate(context.Background(), "元気？", history)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if got != "マジかよ" {
		t.Errorf("Generate() = %q, want マジかよ", got)
	}
}

func TestGenerateQuotaErrorOn429(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "You exceeded your current quota", http.StatusTooManyRequests)
	})

	_, err := c.Generate(context.Background(), "hi", nil)
	if err == nil {
		t.Fatal("Generate() succeeded, want quota error")
	}
	if !IsQuotaError(err) {
		t.Errorf("IsQuotaError(%v) = false, want true", err)
	}
}

func TestGenerateQuotaErrorOnBodySubstring(t *testing.T) {
	// Some proxies rewrite the status code; the body substring must still match.
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "429 You exceeded your current quota, please check your plan", http.StatusBadRequest)
	})

	_, err := c.Generate(context.Background(), "hi", nil)
	if !IsQuotaError(err) {
		t.Errorf("IsQuotaError(%v) = false, want true", err)
	}
}

func TestGenerateOtherHTTPErrorIsNotQuota(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	})

	_, err := c.Generate(context.Background(), "hi", nil)
	if err == nil {
		t.Fatal("Generate() succeeded, want error")
	}
	if IsQuotaError(err) {
		t.Errorf("IsQuotaError(%v) = true, want false", err)
	}
}

func TestGenerateBlockedPrompt(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`)
	})

	_, err := c.Generate(context.Background(), "hi", nil)
	if err == nil {
		t.Fatal("Generate() succeeded, want blocked error")
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"valid key", http.StatusOK, false},
		{"invalid key", http.StatusForbidden, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet {
					t.Errorf("Verify used %s, want GET", r.Method)
				}
				w.WriteHeader(tt.status)
			})
			err := c.Verify(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestQuotaErrorUnwraps(t *testing.T) {
	inner := fmt.Errorf("boom")
	var err error = &QuotaError{err: inner}
	if !errors.Is(err, inner) {
		t.Error("QuotaError does not unwrap to its cause")
	}
}
