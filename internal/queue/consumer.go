package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// LogFile is the file transitions are appended to, inside the consumer's
// directory.
const LogFile = "membership.log"

// Consumer drains StatusChangedQueue into a log file, one line per
// transition.  Bad messages are rejected without requeue so the loop
// never spins on them.
type Consumer struct {
	url string
	dir string
	log *slog.Logger
}

// NewConsumer returns a consumer writing into dir (created on demand).
func NewConsumer(url, dir string, log *slog.Logger) *Consumer {
	if dir == "" {
		dir = "logs"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{url: url, dir: dir, log: log}
}

// Run connects, consumes and reconnects with a doubling delay until ctx
// is done.
func (c *Consumer) Run(ctx context.Context) error {
	wait := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("membership consumer dial failed", "error", err, "retry_in", wait.String())
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			if wait < 30*time.Second {
				wait *= 2
			}
			continue
		}
		wait = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("membership consumer loop ended, reconnecting", "error", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.log.Warn("membership consumer qos failed", "error", err)
	}
	if _, err := declare(ch); err != nil {
		return err
	}
	msgs, err := ch.ConsumeWithContext(ctx, StatusChangedQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for d := range msgs {
		if err := c.Handle(d.Body); err != nil {
			c.log.Error("membership message rejected", "error", err)
			_ = d.Nack(false, false)
			continue
		}
		_ = d.Ack(false)
	}
	return errors.New("deliveries channel closed")
}

// Handle appends one encoded event to the log file.
func (c *Consumer) Handle(body []byte) error {
	var ev MemberStatusChangedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Email == "" || (ev.Action != ActionSubscribe && ev.Action != ActionUnsubscribe) {
		return fmt.Errorf("invalid event: email=%q action=%q", ev.Email, ev.Action)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", c.dir, err)
	}
	f, err := os.OpenFile(filepath.Join(c.dir, LogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatLine(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// FormatLine renders an event as one human-readable log line.
func FormatLine(ev MemberStatusChangedEvent) string {
	expires := ev.ExpiresAt
	if expires == "" {
		expires = "-"
	}
	return fmt.Sprintf("[%s] Membership %s | email=%s | name=%q | active=%t | events=%d | expires=%s\n",
		ev.ChangedAt, ev.Action, ev.Email, joinName(ev.FirstName, ev.LastName), ev.Active, ev.TotalEventsAttended, expires)
}

func joinName(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	}
	return first + " " + last
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
