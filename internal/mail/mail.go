// Package mail delivers transactional messages such as reset and invitation
// links. Delivery is behind auth.Mailer so services never see the transport.
package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"stockroom.app/internal/auth"
)

// DefaultOutboxKey is the Redis list a sender worker drains with BRPOP.
const DefaultOutboxKey = "mail:outbox"

var (
	_ auth.Mailer = (*LogMailer)(nil)
	_ auth.Mailer = (*RedisOutbox)(nil)
)

// Message is the queued envelope.
type Message struct {
	From     string    `json:"from,omitempty"`
	To       string    `json:"to"`
	Subject  string    `json:"subject"`
	HTML     string    `json:"html"`
	QueuedAt time.Time `json:"queued_at"`
}

func newMessage(from, to, subject, html string, now time.Time) (Message, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return Message{}, errors.New("mail: empty recipient")
	}
	return Message{From: from, To: to, Subject: subject, HTML: html, QueuedAt: now.UTC()}, nil
}

// LogMailer writes messages to the log instead of sending them. It is the
// development default; bodies carry live tokens so they go to debug only.
type LogMailer struct {
	log  logrus.FieldLogger
	from string
}

func NewLogMailer(log logrus.FieldLogger, from string) *LogMailer {
	return &LogMailer{log: log, from: from}
}

func (m *LogMailer) SendMail(ctx context.Context, to, subject, html string) error {
	msg, err := newMessage(m.from, to, subject, html, time.Now())
	if err != nil {
		return err
	}
	return m.Deliver(ctx, msg)
}

// Deliver logs an already built message, so a LogMailer can also sit behind
// a Relay.
func (m *LogMailer) Deliver(_ context.Context, msg Message) error {
	entry := m.log.WithFields(logrus.Fields{"to": msg.To, "subject": msg.Subject})
	entry.Info("mail_logged")
	entry.WithField("html", msg.HTML).Debug("mail_body")
	return nil
}

// RedisOutbox enqueues messages on a Redis list for an out-of-process sender.
type RedisOutbox struct {
	rdb  redis.Cmdable
	key  string
	from string
	now  func() time.Time
}

type OutboxOption func(*RedisOutbox)

func WithOutboxKey(key string) OutboxOption {
	return func(o *RedisOutbox) {
		if key != "" {
			o.key = key
		}
	}
}

func WithOutboxClock(now func() time.Time) OutboxOption {
	return func(o *RedisOutbox) {
		if now != nil {
			o.now = now
		}
	}
}

func NewRedisOutbox(rdb redis.Cmdable, from string, opts ...OutboxOption) *RedisOutbox {
	o := &RedisOutbox{rdb: rdb, key: DefaultOutboxKey, from: from, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *RedisOutbox) SendMail(ctx context.Context, to, subject, html string) error {
	msg, err := newMessage(o.from, to, subject, html, o.now())
	if err != nil {
		return err
	}
	return o.push(ctx, msg)
}

// push appends msg at the newest end of the list.
func (o *RedisOutbox) push(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mail: encode: %w", err)
	}
	if err := o.rdb.LPush(ctx, o.key, payload).Err(); err != nil {
		return fmt.Errorf("mail: enqueue: %w", err)
	}
	return nil
}

// Dequeue pops the oldest queued message, waiting up to timeout. It returns
// redis.Nil when the queue stays empty.
func (o *RedisOutbox) Dequeue(ctx context.Context, timeout time.Duration) (Message, error) {
	res, err := o.rdb.BRPop(ctx, timeout, o.key).Result()
	if err != nil {
		return Message{}, err
	}
	if len(res) != 2 {
		return Message{}, fmt.Errorf("mail: unexpected BRPOP reply of %d items", len(res))
	}
	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return Message{}, fmt.Errorf("mail: decode: %w", err)
	}
	return msg, nil
}

// NewRedisClient parses a redis:// URL and checks connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}
