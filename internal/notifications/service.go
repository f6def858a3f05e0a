package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"std2bids/internal/config"
)

const userAgent = "std2bids/0.1"

// Event names a run milestone.
type Event string

const (
	EventRunStarted    Event = "run_started"
	EventRunCompleted  Event = "run_completed"
	EventSubjectFailed Event = "subject_failed"
	EventTest          Event = "test"
)

// Payload carries event values keyed by name.
type Payload map[string]any

// Service publishes events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds an ntfy-backed service, or a no-op one when no topic is
// configured. Subject failures are dropped unless enabled in cfg.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint:        topic,
		client:          &http.Client{Timeout: timeout},
		subjectFailures: cfg.Notifications.SubjectFailures,
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint        string
	client          *http.Client
	subjectFailures bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := n.render(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) render(event Event, payload Payload) (message, bool) {
	switch event {
	case EventRunStarted:
		return message{
			title: "std2bids - Run Started",
			body:  fmt.Sprintf("Processing %d subjects into %s", intValue(payload, "subjects"), stringValue(payload, "destination")),
			tags:  []string{"std2bids", "run", "started"},
		}, true
	case EventRunCompleted:
		failed := intValue(payload, "failed")
		msg := message{
			title: "std2bids - Run Complete",
			body: fmt.Sprintf("%d finalized, %d skipped, %d failed in %s",
				intValue(payload, "finalized"), intValue(payload, "skipped"), failed, durationValue(payload, "duration")),
			tags: []string{"std2bids", "run", "completed"},
		}
		if failed > 0 {
			msg.title = "std2bids - Run Complete (with failures)"
			msg.tags = []string{"std2bids", "run", "warning"}
			msg.priority = "high"
		}
		return msg, true
	case EventSubjectFailed:
		if !n.subjectFailures {
			return message{}, false
		}
		body := fmt.Sprintf("sub-%s failed in %s", stringValue(payload, "label"), stringValue(payload, "stage"))
		if errText := stringValue(payload, "error"); errText != "" {
			body += ": " + errText
		}
		return message{
			title:    "std2bids - Subject Failed",
			body:     body,
			tags:     []string{"std2bids", "subject", "error"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "std2bids - Test",
			body:     "Notification system test",
			tags:     []string{"std2bids", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func stringValue(p Payload, key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func intValue(p Payload, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

func durationValue(p Payload, key string) string {
	d, _ := p[key].(time.Duration)
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
