package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"std2bids/internal/config"
	"std2bids/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventRunCompleted, notifications.Payload{"finalized": 1}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		event          notifications.Event
		payload        notifications.Payload
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:          "run started",
			event:         notifications.EventRunStarted,
			payload:       notifications.Payload{"subjects": 12, "destination": "/data/bids"},
			expectTitle:   "std2bids - Run Started",
			expectMessage: "Processing 12 subjects into /data/bids",
			expectTags:    "std2bids,run,started",
		},
		{
			name:          "run completed",
			event:         notifications.EventRunCompleted,
			payload:       notifications.Payload{"finalized": 10, "skipped": 2, "failed": 0, "duration": 90 * time.Second},
			expectTitle:   "std2bids - Run Complete",
			expectMessage: "10 finalized, 2 skipped, 0 failed in 1m30s",
			expectTags:    "std2bids,run,completed",
		},
		{
			name:           "run completed with failures",
			event:          notifications.EventRunCompleted,
			payload:        notifications.Payload{"finalized": 1, "failed": 3, "duration": 1500 * time.Millisecond},
			expectTitle:    "std2bids - Run Complete (with failures)",
			expectMessage:  "1 finalized, 0 skipped, 3 failed in 2s",
			expectTags:     "std2bids,run,warning",
			expectPriority: "high",
		},
		{
			name:           "subject failed",
			event:          notifications.EventSubjectFailed,
			payload:        notifications.Payload{"label": "1000001", "stage": "retrieve", "error": "connection reset"},
			expectTitle:    "std2bids - Subject Failed",
			expectMessage:  "sub-1000001 failed in retrieve: connection reset",
			expectTags:     "std2bids,subject,error",
			expectPriority: "high",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var captured struct {
				title    string
				tags     string
				priority string
				body     string
			}

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("unexpected method: %s", r.Method)
				}
				captured.title = r.Header.Get("Title")
				captured.tags = r.Header.Get("Tags")
				captured.priority = r.Header.Get("Priority")
				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Errorf("read body: %v", err)
				}
				captured.body = string(body)
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			cfg := config.Default()
			cfg.Notifications.NtfyTopic = server.URL
			cfg.Notifications.RequestTimeoutSeconds = 5

			svc := notifications.NewService(&cfg)
			if err := svc.Publish(context.Background(), tc.event, tc.payload); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}

			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestNtfyServiceSuppressesSubjectFailuresWhenDisabled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected call: %s", r.Header.Get("Title"))
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.SubjectFailures = false

	svc := notifications.NewService(&cfg)
	for _, event := range []notifications.Event{notifications.EventSubjectFailed, notifications.Event("unknown")} {
		if err := svc.Publish(context.Background(), event, notifications.Payload{"label": "1"}); err != nil {
			t.Fatalf("expected no error for suppressed event %s, got %v", event, err)
		}
	}
}

func TestNtfyServiceReportsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	if err := notifications.NewService(&cfg).Publish(context.Background(), notifications.EventTest, nil); err == nil {
		t.Fatalf("expected error for 403 response")
	}
}
