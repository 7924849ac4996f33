package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatchDeliversToMailer(t *testing.T) {
	mailer := NewDevMailer(4)
	d := NewDispatcher(mailer, 4)
	defer d.Close(context.Background())

	err := d.Enqueue(context.Background(), Envelope{
		To:       "a@b.com",
		Template: TemplateRegister,
	})
	require.NoError(t, err)

	select {
	case e := <-mailer.Sent:
		require.Equal(t, TemplateRegister, e.Template)
	case <-time.After(time.Second):
		t.Fatal("envelope never delivered")
	}
}

// stuckMailer blocks every Send until release is closed, simulating a slow
// SMTP hop so the dispatcher's queue actually fills.
type stuckMailer struct {
	release chan struct{}
}

func (m *stuckMailer) Send(_ context.Context, _ Envelope) error {
	<-m.release
	return nil
}

func TestEnqueueBlocksUnderBackpressureNotDrop(t *testing.T) {
	mailer := &stuckMailer{release: make(chan struct{})}
	d := NewDispatcher(mailer, 1)

	// The worker takes one envelope and blocks in Send; the second fills the
	// single buffered slot. Whichever order those land in, both fit.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Enqueue(ctx, Envelope{Template: TemplateRegister}))
	require.NoError(t, d.Enqueue(ctx, Envelope{Template: TemplateRegisterConfirm}))

	// Queue and worker are now both occupied: a third enqueue must block
	// until its context expires, never silently drop.
	shortCtx, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	err := d.Enqueue(shortCtx, Envelope{Template: TemplateResetPassword})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(mailer.release)
	closeCtx, cancelClose := context.WithTimeout(context.Background(), time.Second)
	defer cancelClose()
	require.NoError(t, d.Close(closeCtx))
}
