// Package notify delivers alert messages over email, Redis pub/sub or the log.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/metrics"
	"github.com/log-zero/sentinel/pkg/errors"
)

// Channel names accepted in alerts.channels.
const (
	ChannelEmail = "email"
	ChannelRedis = "redis"
	ChannelLog   = "log"
)

// Notifier sends one message to a list of recipients. Transport failures are
// returned, never swallowed.
type Notifier interface {
	Send(ctx context.Context, subject, body string, recipients []string) error
}

// Alert is the event published to real-time subscribers.
type Alert struct {
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Recipients []string  `json:"recipients"`
	SentAt     time.Time `json:"sent_at"`
}

// Publisher fans alerts out to live subscribers.
type Publisher interface {
	PublishAlert(ctx context.Context, alert any) error
}

// Redis publishes alerts on the alert channel.
type Redis struct {
	pub Publisher
}

// NewRedis creates a notifier on top of pub.
func NewRedis(pub Publisher) *Redis {
	return &Redis{pub: pub}
}

// Send implements Notifier.
func (r *Redis) Send(ctx context.Context, subject, body string, recipients []string) error {
	err := r.pub.PublishAlert(ctx, Alert{
		Subject:    subject,
		Body:       body,
		Recipients: recipients,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return errors.NotificationFailed(err)
	}
	return nil
}

// Log writes alerts to the service log. Useful in development.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a log notifier.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

// Send implements Notifier.
func (l *Log) Send(_ context.Context, subject, body string, recipients []string) error {
	l.logger.Warn("Alert",
		zap.String("subject", subject),
		zap.Strings("recipients", recipients),
		zap.String("body", body),
	)
	return nil
}

// deliveryMemory is how long Multi remembers partial deliveries. It outlasts
// every alert task's retry schedule.
const deliveryMemory = time.Hour

// Multi sends through every channel and fails if any of them failed. A resend
// of the same message skips the channels that already delivered it, so a
// retried task does not duplicate alerts. The record is per process: a retry
// picked up by another worker sends on every channel again.
type Multi struct {
	channels []Notifier
	now      func() time.Time

	mu        sync.Mutex
	delivered map[string]partialDelivery
}

type partialDelivery struct {
	done map[int]bool
	at   time.Time
}

// NewMulti fans messages out to channels.
func NewMulti(channels ...Notifier) *Multi {
	return &Multi{
		channels:  channels,
		now:       time.Now,
		delivered: make(map[string]partialDelivery),
	}
}

// Len returns the number of channels.
func (m *Multi) Len() int {
	return len(m.channels)
}

// Send implements Notifier.
func (m *Multi) Send(ctx context.Context, subject, body string, recipients []string) error {
	key := messageKey(subject, body, recipients)
	done := m.pending(key)

	var errs []error
	for i, n := range m.channels {
		if done[i] {
			continue
		}
		if err := n.Send(ctx, subject, body, recipients); err != nil {
			errs = append(errs, err)
			continue
		}
		done[i] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(errs) == 0 {
		delete(m.delivered, key)
		return nil
	}
	m.delivered[key] = partialDelivery{done: done, at: m.now()}
	return errors.NotificationFailed(stderrors.Join(errs...))
}

// pending returns the channels that already delivered key and expires stale
// records.
func (m *Multi) pending(key string) map[int]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-deliveryMemory)
	for k, d := range m.delivered {
		if d.at.Before(cutoff) {
			delete(m.delivered, k)
		}
	}

	done := make(map[int]bool, len(m.channels))
	for i := range m.delivered[key].done {
		done[i] = true
	}
	return done
}

func messageKey(subject, body string, recipients []string) string {
	h := sha256.New()
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(body))
	for _, r := range recipients {
		h.Write([]byte{0})
		h.Write([]byte(r))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Counted records sent alerts in the alerts_sent metric under kind.
func Counted(n Notifier, kind string) Notifier {
	return countedNotifier{next: n, kind: kind}
}

type countedNotifier struct {
	next Notifier
	kind string
}

func (c countedNotifier) Send(ctx context.Context, subject, body string, recipients []string) error {
	if err := c.next.Send(ctx, subject, body, recipients); err != nil {
		return err
	}
	metrics.AlertsSent.WithLabelValues(c.kind).Inc()
	return nil
}

// Options carries the transports New can build channels from.
type Options struct {
	SMTP      SMTPConfig
	Publisher Publisher // required for the redis channel
	Logger    *zap.Logger
}

// New builds a notifier for the named channels.
func New(channels []string, opts Options) (Notifier, error) {
	var out []Notifier
	for _, ch := range channels {
		switch ch {
		case ChannelEmail:
			out = append(out, NewSMTP(opts.SMTP, opts.Logger))
		case ChannelRedis:
			if opts.Publisher == nil {
				return nil, fmt.Errorf("redis alert channel requires redis to be enabled")
			}
			out = append(out, NewRedis(opts.Publisher))
		case ChannelLog:
			out = append(out, NewLog(opts.Logger))
		default:
			return nil, fmt.Errorf("unknown alert channel %q", ch)
		}
	}
	if len(out) == 0 {
		return NewLog(opts.Logger), nil
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return NewMulti(out...), nil
}

// Sent is a message captured by Recorder.
type Sent struct {
	Subject    string
	Body       string
	Recipients []string
}

// Recorder keeps messages in memory. Set Err to make Send fail.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	Err  error
}

// Send implements Notifier.
func (r *Recorder) Send(_ context.Context, subject, body string, recipients []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return errors.NotificationFailed(r.Err)
	}
	r.sent = append(r.sent, Sent{Subject: subject, Body: body, Recipients: append([]string(nil), recipients...)})
	return nil
}

// Messages returns a copy of everything sent so far.
func (r *Recorder) Messages() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}
