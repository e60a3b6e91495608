package mail

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Sender hands a dequeued message to the actual transport.
type Sender interface {
	Deliver(ctx context.Context, msg Message) error
}

var _ Sender = (*LogMailer)(nil)

// Relay drains a RedisOutbox into a Sender until its context ends. A message
// that fails delivery goes back to the tail of the queue and the relay pauses
// before the next attempt.
type Relay struct {
	outbox *RedisOutbox
	sender Sender
	log    logrus.FieldLogger
	wait   time.Duration
	pause  time.Duration
}

func NewRelay(outbox *RedisOutbox, sender Sender, log logrus.FieldLogger) *Relay {
	return &Relay{outbox: outbox, sender: sender, log: log, wait: 5 * time.Second, pause: time.Second}
}

// Run blocks until ctx is done and returns nil on shutdown.
func (r *Relay) Run(ctx context.Context) error {
	r.log.WithField("key", r.outbox.key).Info("mail_relay_started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := r.outbox.Dequeue(ctx, r.wait)
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case ctx.Err() != nil:
			return nil
		case err != nil:
			r.log.WithError(err).Warn("mail_dequeue_failed")
			if !r.sleep(ctx) {
				return nil
			}
			continue
		}

		entry := r.log.WithFields(logrus.Fields{"to": msg.To, "subject": msg.Subject})
		if err := r.sender.Deliver(ctx, msg); err != nil {
			entry.WithError(err).Warn("mail_delivery_failed")
			// отправляем в хвост очереди, чтобы не блокировать остальные письма
			if err := r.outbox.push(context.WithoutCancel(ctx), msg); err != nil {
				entry.WithError(err).Error("mail_requeue_failed")
			}
			if !r.sleep(ctx) {
				return nil
			}
			continue
		}
		entry.Debug("mail_relayed")
	}
}

func (r *Relay) sleep(ctx context.Context) bool {
	t := time.NewTimer(r.pause)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
