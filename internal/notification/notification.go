// Package notification tells operators about execution transitions that need
// attention, such as an action waiting for approval or a failed execution.
// Messages go to Slack, Telegram or a generic webhook.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/veritas/internal/config"
	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/events"
)

// Sender is one channel backend.
type Sender interface {
	// Type returns the channel type identifier ("slack", "telegram", "webhook").
	Type() string
	// Send delivers a message to the target described by the channel config.
	Send(ctx context.Context, ch config.NotificationChannel, msg *Message) error
}

// Message is the payload sent through a channel.
type Message struct {
	Subject  string
	Body     string            // Plain text.
	Metadata map[string]string // execution_id, tenant_id, from, to, action_type.
}

// DefaultSenders returns the production backends.
func DefaultSenders() []Sender {
	return []Sender{NewSlackSender(""), NewTelegramSender(""), NewWebhookSender()}
}

// Notifier delivers selected execution transitions to the configured channels.
// Publish returns immediately; delivery happens on a background goroutine.
type Notifier struct {
	channels []config.NotificationChannel
	states   map[domain.ExecutionState]bool
	senders  map[string]Sender
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Notifier. Every configured channel type needs a sender.
func New(cfg *config.NotificationsConfig, logger *slog.Logger, senders ...Sender) (*Notifier, error) {
	n := &Notifier{
		states:  make(map[domain.ExecutionState]bool),
		senders: make(map[string]Sender, len(senders)),
		timeout: cfg.Timeout(),
		logger:  logger,
	}
	for _, s := range senders {
		n.senders[s.Type()] = s
	}
	for _, state := range cfg.States() {
		n.states[domain.ExecutionState(state)] = true
	}
	if cfg != nil {
		for _, ch := range cfg.Channels {
			if _, ok := n.senders[ch.Type]; !ok {
				return nil, fmt.Errorf("notification channel %q: no sender for type %q", ch.Name, ch.Type)
			}
			n.channels = append(n.channels, ch)
		}
	}
	return n, nil
}

// Publish implements events.Publisher.
func (n *Notifier) Publish(e events.Event) {
	if e.Type != events.ExecutionTransition || !n.states[e.To] {
		return
	}
	targets := n.targets(e.TenantID)
	if len(targets) == 0 {
		return
	}
	msg := newMessage(e)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		n.deliver(targets, msg)
	}()
}

// Close stops accepting events and waits for in-flight deliveries.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Notifier) targets(tenantID string) []config.NotificationChannel {
	var out []config.NotificationChannel
	for _, ch := range n.channels {
		if len(ch.Tenants) == 0 || slices.Contains(ch.Tenants, tenantID) {
			out = append(out, ch)
		}
	}
	return out
}

func (n *Notifier) deliver(targets []config.NotificationChannel, msg *Message) {
	for _, ch := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		err := n.senders[ch.Type].Send(ctx, ch, msg)
		cancel()

		if err != nil {
			n.logger.Warn("notification send failed",
				slog.String("channel", ch.Name),
				slog.String("type", ch.Type),
				slog.String("execution_id", msg.Metadata["execution_id"]),
				slog.String("error", err.Error()),
			)
			continue
		}
		n.logger.Debug("notification sent",
			slog.String("channel", ch.Name),
			slog.String("type", ch.Type),
			slog.String("execution_id", msg.Metadata["execution_id"]),
		)
	}
}

func newMessage(e events.Event) *Message {
	execID := ""
	if e.ExecutionID != nil {
		execID = e.ExecutionID.String()
	}

	var subject string
	switch e.To {
	case domain.StateAwaitingApproval:
		subject = "Action awaiting approval"
	case domain.StateFailed:
		subject = "Action execution failed"
	case domain.StateRolledBack:
		subject = "Action rolled back"
	default:
		subject = "Action " + strings.ReplaceAll(string(e.To), "_", " ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Tenant: %s\n", e.TenantID)
	if e.ActionType != "" {
		fmt.Fprintf(&b, "Action: %s\n", e.ActionType)
	}
	fmt.Fprintf(&b, "Execution: %s\n", execID)
	fmt.Fprintf(&b, "Transition: %s -> %s", e.From, e.To)

	return &Message{
		Subject: subject,
		Body:    b.String(),
		Metadata: map[string]string{
			"event":        string(e.Type),
			"tenant_id":    e.TenantID,
			"execution_id": execID,
			"action_type":  e.ActionType,
			"from":         string(e.From),
			"to":           string(e.To),
		},
	}
}
