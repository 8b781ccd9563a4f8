package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iliyamo/checkin-reconciler/internal/logging"
	"github.com/iliyamo/checkin-reconciler/internal/model"
)

func TestNewStatusChangedEvent(t *testing.T) {
	t.Parallel()
	last := time.Date(2024, 3, 1, 19, 0, 0, 0, time.UTC)
	exp := last.AddDate(0, 9, 0)
	m := model.Member{
		Email: "ada@example.org", FirstName: "Ada", LastName: "Lovelace",
		IsActiveMember: true, TotalEventsAttended: 4, LastEventDate: &last, MembershipExpiresAt: &exp,
	}
	now := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)

	ev := NewStatusChangedEvent(m, ActionSubscribe, now)
	if ev.Action != ActionSubscribe || !ev.Active || ev.TotalEventsAttended != 4 {
		t.Fatalf("event = %+v", ev)
	}
	if ev.ExpiresAt != "2024-12-01T19:00:00Z" || ev.ChangedAt != "2024-03-02T08:00:00Z" {
		t.Fatalf("timestamps = %s, %s", ev.ExpiresAt, ev.ChangedAt)
	}

	lapsed := NewStatusChangedEvent(model.Member{Email: "bob@example.org"}, ActionUnsubscribe, now)
	if lapsed.ExpiresAt != "" || lapsed.LastEventDate != "" {
		t.Fatalf("lapsed = %+v", lapsed)
	}
}

func TestConsumerHandle_AppendsLines(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "logs")
	c := NewConsumer("amqp://unused", dir, logging.Discard())

	for _, ev := range []MemberStatusChangedEvent{
		{Email: "ada@example.org", FirstName: "Ada", Action: ActionSubscribe, Active: true, TotalEventsAttended: 3, ChangedAt: "2024-03-02T08:00:00Z"},
		{Email: "bob@example.org", Action: ActionUnsubscribe, ChangedAt: "2024-03-03T08:00:00Z"},
	} {
		body, _ := json.Marshal(ev)
		if err := c.Handle(body); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, LogFile))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(lines[0], "Membership subscribe | email=ada@example.org") ||
		!strings.Contains(lines[0], "active=true | events=3") {
		t.Fatalf("line 1 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "expires=-") {
		t.Fatalf("line 2 = %q", lines[1])
	}
}

func TestConsumerHandle_RejectsBadMessages(t *testing.T) {
	t.Parallel()
	c := NewConsumer("amqp://unused", t.TempDir(), logging.Discard())
	for _, body := range []string{
		`not json`,
		`{"email":"","action":"subscribe"}`,
		`{"email":"ada@example.org","action":"promote"}`,
	} {
		if err := c.Handle([]byte(body)); err == nil {
			t.Errorf("Handle(%s) = nil, want error", body)
		}
	}
}
