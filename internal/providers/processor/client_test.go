package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shopimage/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Options{APIKey: "key-123", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	return client
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(Options{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestSubmitSendsPayload(t *testing.T) {
	var got submitRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/generate/remove-background" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "key-123" {
			t.Errorf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"task_id":"remote-1"}`))
	})

	id, err := client.Submit(context.Background(), domain.OperationBackgroundRemoval, "https://cdn/in.png", "job-1")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if id != "remote-1" {
		t.Fatalf("id = %q, want remote-1", id)
	}
	want := submitRequest{TaskID: "job-1", Provider: "stability", InputImageAssetURL: "https://cdn/in.png", OutputFormat: "png"}
	if got != want {
		t.Fatalf("payload = %+v, want %+v", got, want)
	}
}

func TestSubmitFallsBackToClientTaskID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	id, err := client.Submit(context.Background(), domain.OperationUpscale, "https://cdn/in.png", "job-2")
	if err != nil || id != "job-2" {
		t.Fatalf("Submit = %q, %v", id, err)
	}
}

func TestSubmitClassifiesFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		transient  bool
		wait       time.Duration
	}{
		{"server error", http.StatusBadGateway, "", true, 0},
		{"throttled", http.StatusTooManyRequests, "12", true, 12 * time.Second},
		{"bad request", http.StatusBadRequest, "", false, 0},
		{"unauthorized", http.StatusUnauthorized, "5", false, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"detail":"nope"}`))
			})
			_, err := client.Submit(context.Background(), domain.OperationResize, "https://cdn/in.png", "job-3")
			var serr *SubmitError
			if !errors.As(err, &serr) {
				t.Fatalf("expected SubmitError, got %v", err)
			}
			if serr.Transient != tc.transient || serr.RetryAfter != tc.wait || serr.StatusCode != tc.status {
				t.Fatalf("unexpected error %+v", serr)
			}
			retryable, wait := ClassifySubmit(err)
			if retryable != tc.transient || wait != tc.wait {
				t.Fatalf("ClassifySubmit = %v, %s", retryable, wait)
			}
		})
	}
}

func TestSubmitNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	client, err := NewClient(Options{APIKey: "k", BaseURL: base})
	if err != nil {
		t.Fatal(err)
	}
	_, err = client.Submit(context.Background(), domain.OperationUpscale, "https://cdn/in.png", "job-4")
	if retryable, _ := ClassifySubmit(err); !retryable {
		t.Fatalf("network failure must be transient, got %v", err)
	}
}

func TestPollStatusTranslatesStates(t *testing.T) {
	tests := []struct {
		body  string
		state State
		url   string
		why   string
	}{
		{`{"status":"complete","asset_url":"https://cdn/out.png"}`, StateComplete, "https://cdn/out.png", ""},
		{`{"status":"failed","error":"bad image"}`, StateFailed, "", "bad image"},
		{`{"status":"queued"}`, StatePending, "", ""},
		{`{"status":"processing"}`, StatePending, "", ""},
		{`{"status":"complete"}`, StateFailed, "", "processor reported completion without an asset url"},
		{`{}`, StatePending, "", ""},
	}
	for _, tc := range tests {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/tasks/task-1/status" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			_, _ = w.Write([]byte(tc.body))
		})
		res, err := client.PollStatus(context.Background(), "task-1")
		if err != nil {
			t.Fatalf("PollStatus(%s) error: %v", tc.body, err)
		}
		if res.State != tc.state || res.AssetURL != tc.url || res.Reason != tc.why {
			t.Fatalf("PollStatus(%s) = %+v", tc.body, res)
		}
	}
}

func TestPollStatusServerErrorIsPollError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := client.PollStatus(context.Background(), "task-1")
	var perr *PollError
	if !errors.As(err, &perr) || perr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected PollError, got %v", err)
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	got := parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now)
	if got != 30*time.Second {
		t.Fatalf("parseRetryAfter = %s, want 30s", got)
	}
	if parseRetryAfter("soon", now) != 0 {
		t.Fatalf("garbage must yield zero")
	}
}

func TestEndpoint(t *testing.T) {
	if ep, _ := Endpoint(domain.OperationAutoCrop); ep != "auto-crop" {
		t.Fatalf("Endpoint(auto-crop) = %q", ep)
	}
	if _, err := Endpoint("sharpen"); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
}
