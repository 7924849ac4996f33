// Package notify implements a fire-and-forget email envelope dispatcher.
// Dispatch itself is best-effort only in the sense that delivery (the
// async SMTP round-trip) isn't awaited by the caller; enqueueing is not
// best-effort — a failure to enqueue fails the containing request, and
// the dispatcher must block on channel send under backpressure rather
// than drop.
package notify

import (
	"context"
	"errors"
	"time"
)

// Template names the envelopes the auth engine emits.
type Template string

const (
	TemplateRegister             Template = "register"
	TemplateRegisterConfirm      Template = "register_confirm"
	TemplateResetPassword        Template = "reset_password"
	TemplateResetPasswordConfirm Template = "reset_password_confirm"
	TemplateUpdateEmail          Template = "update_email"
	TemplateUpdatePassword       Template = "update_password"
)

// Envelope is the message handed to the external mailer ("the
// core emits a message envelope; a mailer sends it").
type Envelope struct {
	To       string
	Subject  string
	Template Template
	Context  map[string]any
}

// Mailer is the external collaborator that actually delivers mail. It owns
// its own retry/backoff to the SMTP layer; notify only owns
// getting the envelope to it without dropping it.
type Mailer interface {
	Send(ctx context.Context, e Envelope) error
}

var ErrQueueClosed = errors.New("notify: dispatcher closed")

// Dispatcher is the bounded-channel-plus-worker design, the Go-idiomatic
// equivalent of an actor-style mailer. Enqueue blocks under backpressure
// (never drops); the worker goroutine performs the actual (slow,
// retryable) send off the request path.
type Dispatcher struct {
	mailer Mailer
	queue  chan Envelope
	done   chan struct{}
}

// NewDispatcher starts a single worker draining a bounded queue of
// envelopes. bufSize bounds memory, not correctness: Enqueue blocks once
// the buffer is full rather than dropping, so a slow Mailer applies
// backpressure all the way back to the request that triggered the email.
func NewDispatcher(mailer Mailer, bufSize int) *Dispatcher {
	d := &Dispatcher{
		mailer: mailer,
		queue:  make(chan Envelope, bufSize),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for e := range d.queue {
		// A failed async send is dropped here: the Mailer's error is
		// discarded and this dispatcher does not retry — retry/backoff is
		// the Mailer implementation's job, not this one's.
		_ = d.mailer.Send(context.Background(), e)
	}
	close(d.done)
}

// Enqueue blocks until the envelope is accepted onto the queue or ctx is
// done. A failure here (ctx expiry) must fail the containing request —
// "a failed email enqueue is a user-visible failure of the
// containing request."
func (d *Dispatcher) Enqueue(ctx context.Context, e Envelope) error {
	select {
	case d.queue <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new work and waits for the worker to drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	close(d.queue)
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DevMailer writes envelopes to an in-process sink; used in tests and
// local development in place of a real SMTP mailer (mailer is an
// external collaborator).
type DevMailer struct {
	Sent chan Envelope
}

func NewDevMailer(buf int) *DevMailer {
	return &DevMailer{Sent: make(chan Envelope, buf)}
}

func (m *DevMailer) Send(ctx context.Context, e Envelope) error {
	select {
	case m.Sent <- e:
		return nil
	case <-time.After(time.Second):
		return errors.New("notify: DevMailer sink full")
	}
}
