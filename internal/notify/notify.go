// Package notify turns committed escrow changes into fire-and-forget
// messages for payers, payees and operators. Delivery happens after commit on
// a background goroutine; failures are logged and never reach the caller.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"escrowd.org/internal/audit"
	"escrowd.org/internal/escrow"
	"escrowd.org/internal/obs"
)

// Sink delivers one message.
type Sink interface {
	Notify(ctx context.Context, recipientID, templateID string, data map[string]string) error
}

// Message is a queued notification.
type Message struct {
	Recipient string
	Template  string
	Data      map[string]string
}

type route struct {
	template string
	toPayer  bool
	toPayee  bool
}

var routes = map[string]route{
	"escrow.created":           {"escrow_created", false, true},
	"escrow.fund":              {"escrow_funded", false, true},
	"escrow.start_work":        {"work_started", true, false},
	"escrow.submit_milestone":  {"milestone_submitted", true, false},
	"escrow.approve_milestone": {"milestone_approved", false, true},
	"escrow.reject_milestone":  {"milestone_rejected", false, true},
	"escrow.dispute":           {"dispute_raised", true, true},
	"escrow.resolve_dispute":   {"dispute_resolved", true, true},
	"escrow.refund":            {"escrow_refunded", true, true},
	"escrow.complete":          {"escrow_completed", true, true},
	"escrow.cancel":            {"escrow_cancelled", true, true},
	"dispute.under_review":     {"dispute_under_review", true, true},
}

// Messages derives the notifications for a committed change.
func Messages(c escrow.Change) []Message {
	var out []Message
	for _, e := range c.Entries {
		data := map[string]string{
			"escrow_id": c.Escrow.ID,
			"action":    e.Action,
			"state":     string(c.Escrow.State),
		}
		for k, v := range e.Details {
			data[k] = v
		}
		if e.Action == "payout.succeeded" {
			out = append(out, Message{Recipient: e.Details["recipient"], Template: "payout_sent", Data: data})
			continue
		}
		if e.Action == "payout.failed" {
			out = append(out, Message{Recipient: "ops", Template: "payout_needs_attention", Data: data})
			continue
		}
		r, ok := routes[e.Action]
		if !ok {
			continue
		}
		if r.toPayer && !self(e, audit.ActorPayer) {
			out = append(out, Message{Recipient: c.Escrow.PayerID, Template: r.template, Data: data})
		}
		if r.toPayee && !self(e, audit.ActorPayee) {
			out = append(out, Message{Recipient: c.Escrow.PayeeID, Template: r.template, Data: data})
		}
	}
	return out
}

// self reports whether the entry was written by the party of type t, who
// needs no message about their own action.
func self(e audit.Entry, t audit.ActorType) bool {
	return e.ActorType == t
}

// Dispatcher queues messages for changes and delivers them to its sinks. It
// implements escrow.Notifier.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Message
	timeout time.Duration
	log     *logrus.Entry

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Message, buffer),
		timeout: 5 * time.Second,
		log:     obs.Component("notify"),
	}
}

// Start delivers queued messages until Close is called.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for msg := range d.queue {
			d.deliver(msg)
		}
	}()
}

// Close stops accepting messages and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// EscrowChanged enqueues the change's messages without blocking. Messages
// that do not fit the buffer are dropped and logged.
func (d *Dispatcher) EscrowChanged(_ context.Context, c escrow.Change) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, msg := range Messages(c) {
		select {
		case d.queue <- msg:
		default:
			d.log.WithFields(logrus.Fields{"recipient": msg.Recipient, "template": msg.Template}).Warn("notification dropped")
		}
	}
}

func (d *Dispatcher) deliver(msg Message) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := s.Notify(ctx, msg.Recipient, msg.Template, msg.Data)
		cancel()
		if err != nil {
			d.log.WithError(err).WithFields(logrus.Fields{"recipient": msg.Recipient, "template": msg.Template}).Warn("notification failed")
		}
	}
}

// Fanout passes each change to several notifiers in order.
type Fanout []escrow.Notifier

func (f Fanout) EscrowChanged(ctx context.Context, c escrow.Change) {
	for _, n := range f {
		n.EscrowChanged(ctx, c)
	}
}

// LogSink writes messages to the structured log.
type LogSink struct{}

func (LogSink) Notify(ctx context.Context, recipientID, templateID string, data map[string]string) error {
	fields := logrus.Fields{"recipient": recipientID, "template": templateID}
	for k, v := range data {
		fields["data_"+k] = v
	}
	obs.Component("notify").WithFields(fields).Info("notification")
	return nil
}

// Nop discards messages.
type Nop struct{}

func (Nop) Notify(context.Context, string, string, map[string]string) error { return nil }
