package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/checkin-reconciler/internal/clock"
	"github.com/iliyamo/checkin-reconciler/internal/model"
)

// Publisher tells the member-list collaborator about transitions by
// publishing to StatusChangedQueue.  Each publish opens its own
// connection; transitions are rare.
type Publisher struct {
	url   string
	clock clock.Clock
	log   *slog.Logger
}

// NewPublisher returns a Publisher for the broker at url.
func NewPublisher(url string, clk clock.Clock, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{url: url, clock: clk, log: log}
}

// Subscribe announces that m became an active member.
func (p *Publisher) Subscribe(ctx context.Context, m model.Member) error {
	return p.Publish(ctx, NewStatusChangedEvent(m, ActionSubscribe, p.clock.Now()))
}

// Unsubscribe announces that m's membership lapsed.
func (p *Publisher) Unsubscribe(ctx context.Context, m model.Member) error {
	return p.Publish(ctx, NewStatusChangedEvent(m, ActionUnsubscribe, p.clock.Now()))
}

// Publish sends one event as a persistent JSON message.  Errors are
// logged and returned; callers treat them as non-fatal.
func (p *Publisher) Publish(ctx context.Context, event MemberStatusChangedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		p.log.Warn("rabbitmq dial failed", "error", err)
		return fmt.Errorf("dial broker: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := declare(ch); err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.clock.Now(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", StatusChangedQueue, false, false, msg); err != nil {
		p.log.Warn("rabbitmq publish failed", "email", event.Email, "action", event.Action, "error", err)
		return fmt.Errorf("publish: %w", err)
	}
	p.log.Info("membership transition published", "email", event.Email, "action", event.Action)
	return nil
}

// declare makes sure the durable queue exists.
func declare(ch *amqp.Channel) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(StatusChangedQueue, true, false, false, false, nil)
	if err != nil {
		return q, fmt.Errorf("queue declare: %w", err)
	}
	return q, nil
}
