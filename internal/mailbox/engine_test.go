package mailbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/SWAI-Ltd/mqbox/internal/proto"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder is a Receiver that keeps what it was given and can be told to fail.
type recorder struct {
	mu   sync.Mutex
	got  []proto.Message
	fail func(proto.Message) bool
}

func (r *recorder) Deliver(_ context.Context, msg proto.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil && r.fail(msg) {
		return errors.New("unreachable")
	}
	r.got = append(r.got, msg)
	return nil
}

func (r *recorder) messages() []proto.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]proto.Message(nil), r.got...)
}

// counts is a Counter that tallies incoming and outgoing.
type counts struct {
	incoming, outgoing, events int
}

func (c *counts) Accepted(delivered bool) {
	c.incoming++
	if delivered {
		c.outgoing++
	}
	c.events++
}

func (c *counts) Flushed() {
	c.outgoing++
	c.events++
}

func newEngine(c Counter) *Engine {
	return New(
		WithCounter(c),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDeliveryTimeout(100*time.Millisecond),
	)
}

func msg(from, to int, text string) proto.Message {
	return proto.Message{SenderID: from, ReceiverID: to, Text: text}
}

func probe(id int) proto.Message {
	return proto.Message{SenderID: -1, ReceiverID: id}
}

func TestSubmitWithoutReceiverQueuesInOrder(t *testing.T) {
	c := &counts{}
	e := newEngine(c)
	ctx := context.Background()

	want := []proto.Message{msg(1, 3, "a"), msg(2, 3, "b"), msg(1, 3, "c")}
	for _, m := range want {
		assert.Equal(t, Queued, e.Submit(ctx, m))
	}

	assert.Equal(t, want, e.Pending(3))
	assert.Equal(t, 3, c.incoming)
	assert.Equal(t, 0, c.outgoing)
	assert.Equal(t, 3, c.events)
}

func TestSubmitThenRegister(t *testing.T) {
	c := &counts{}
	e := newEngine(c)
	ctx := context.Background()

	assert.Equal(t, Queued, e.Submit(ctx, msg(1, 5, "hi")))
	assert.Equal(t, []proto.Message{msg(1, 5, "hi")}, e.Pending(5))
	assert.Equal(t, 1, c.incoming)
	assert.Equal(t, 0, c.outgoing)

	r := &recorder{}
	assert.Equal(t, 1, e.Register(ctx, r, probe(5)))
	assert.Equal(t, []proto.Message{msg(1, 5, "hi")}, r.messages())
	assert.Equal(t, 1, c.outgoing)
	assert.Empty(t, e.Pending(5))
	assert.True(t, e.HasReceiver(5))
}

func TestRegisterThenSubmit(t *testing.T) {
	c := &counts{}
	e := newEngine(c)
	ctx := context.Background()

	r := &recorder{}
	assert.Equal(t, 0, e.Register(ctx, r, probe(7)))
	assert.Empty(t, r.messages())
	assert.Equal(t, 0, c.events)

	assert.Equal(t, Delivered, e.Submit(ctx, msg(2, 7, "yo")))
	assert.Equal(t, []proto.Message{msg(2, 7, "yo")}, r.messages())
	assert.Equal(t, 1, c.incoming)
	assert.Equal(t, 1, c.outgoing)
	assert.Nil(t, e.Pending(7))
	assert.Equal(t, 0, e.QueuedTotal())
}

func TestFlushPreservesSubmissionOrder(t *testing.T) {
	e := newEngine(nil)
	ctx := context.Background()

	e.Submit(ctx, msg(1, 9, "a"))
	e.Submit(ctx, msg(1, 9, "b"))

	r := &recorder{}
	assert.Equal(t, 2, e.Register(ctx, r, probe(9)))
	got := r.messages()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Text)
	assert.Equal(t, "b", got[1].Text)
}

func TestRegisterFlushesExactlyN(t *testing.T) {
	c := &counts{}
	e := newEngine(c)
	ctx := context.Background()

	const n = 25
	var want []proto.Message
	for i := 0; i < n; i++ {
		m := msg(i, 4, string(rune('a'+i)))
		want = append(want, m)
		e.Submit(ctx, m)
	}

	r := &recorder{}
	assert.Equal(t, n, e.Register(ctx, r, probe(4)))
	assert.Equal(t, want, r.messages())
	assert.Empty(t, e.Pending(4))
	assert.Equal(t, n, c.incoming)
	assert.Equal(t, n, c.outgoing)
	assert.Equal(t, 2*n, c.events)
}

func TestReRegisterReplacesHandle(t *testing.T) {
	e := newEngine(nil)
	ctx := context.Background()

	first, second := &recorder{}, &recorder{}
	e.Register(ctx, first, probe(1))
	e.Register(ctx, second, probe(1))

	assert.Equal(t, Delivered, e.Submit(ctx, msg(8, 1, "x")))
	assert.Empty(t, first.messages())
	assert.Equal(t, []proto.Message{msg(8, 1, "x")}, second.messages())
}

func TestSubmitToFailingReceiverQueues(t *testing.T) {
	c := &counts{}
	e := newEngine(c)
	ctx := context.Background()

	dead := &recorder{fail: func(proto.Message) bool { return true }}
	e.Register(ctx, dead, probe(2))

	assert.Equal(t, Queued, e.Submit(ctx, msg(1, 2, "lost?")))
	assert.False(t, e.HasReceiver(2))
	assert.Equal(t, []proto.Message{msg(1, 2, "lost?")}, e.Pending(2))
	assert.Equal(t, 1, c.incoming)
	assert.Equal(t, 0, c.outgoing)

	// a later submit goes straight to the queue
	assert.Equal(t, Queued, e.Submit(ctx, msg(1, 2, "next")))
	assert.Len(t, e.Pending(2), 2)

	// and a fresh receiver gets both, once
	live := &recorder{}
	assert.Equal(t, 2, e.Register(ctx, live, probe(2)))
	assert.Equal(t, []proto.Message{msg(1, 2, "lost?"), msg(1, 2, "next")}, live.messages())
}

func TestSubmitToSlowReceiverTimesOut(t *testing.T) {
	e := newEngine(nil)
	ctx := context.Background()

	slow := ReceiverFunc(func(ctx context.Context, _ proto.Message) error {
		<-ctx.Done()
		return ctx.Err()
	})
	e.Register(ctx, slow, probe(6))

	start := time.Now()
	assert.Equal(t, Queued, e.Submit(ctx, msg(1, 6, "slow")))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, e.HasReceiver(6))
}

func TestFlushDropsFailedMessages(t *testing.T) {
	c := &counts{}
	e := newEngine(c)
	ctx := context.Background()

	e.Submit(ctx, msg(1, 3, "a"))
	e.Submit(ctx, msg(1, 3, "bad"))
	e.Submit(ctx, msg(1, 3, "c"))

	r := &recorder{fail: func(m proto.Message) bool { return m.Text == "bad" }}
	assert.Equal(t, 2, e.Register(ctx, r, probe(3)))
	assert.Equal(t, []proto.Message{msg(1, 3, "a"), msg(1, 3, "c")}, r.messages())
	assert.Empty(t, e.Pending(3))
	assert.Equal(t, 2, c.outgoing)

	// one failed message does not unregister a receiver that took the others
	assert.True(t, e.HasReceiver(3))
	assert.Equal(t, Delivered, e.Submit(ctx, msg(1, 3, "d")))
	assert.Empty(t, e.Pending(3))
	assert.Equal(t, []proto.Message{msg(1, 3, "a"), msg(1, 3, "c"), msg(1, 3, "d")}, r.messages())
}

func TestFlushToDeadReceiverQueuesLaterSubmits(t *testing.T) {
	e := newEngine(nil)
	ctx := context.Background()

	e.Submit(ctx, msg(1, 4, "lost"))
	dead := &recorder{fail: func(proto.Message) bool { return true }}
	assert.Equal(t, 0, e.Register(ctx, dead, probe(4)))
	assert.True(t, e.HasReceiver(4))

	// the next submit discovers the dead handle and queues
	assert.Equal(t, Queued, e.Submit(ctx, msg(1, 4, "kept")))
	assert.False(t, e.HasReceiver(4))
	assert.Equal(t, []proto.Message{msg(1, 4, "kept")}, e.Pending(4))
}

func TestRegisterNilHandle(t *testing.T) {
	e := newEngine(nil)
	e.Submit(context.Background(), msg(1, 1, "a"))
	assert.Equal(t, 0, e.Register(context.Background(), nil, probe(1)))
	assert.Len(t, e.Pending(1), 1)
	assert.False(t, e.HasReceiver(1))
}

func TestQueuesAreIndependent(t *testing.T) {
	e := newEngine(nil)
	ctx := context.Background()

	e.Submit(ctx, msg(1, 1, "one"))
	e.Submit(ctx, msg(1, 2, "two"))

	r := &recorder{}
	e.Register(ctx, r, probe(1))
	assert.Equal(t, []proto.Message{msg(1, 1, "one")}, r.messages())
	assert.Equal(t, []proto.Message{msg(1, 2, "two")}, e.Pending(2))
	assert.Equal(t, 1, e.QueuedTotal())
}

func TestConcurrentSubmitAndRegister(t *testing.T) {
	e := newEngine(nil)
	ctx := context.Background()

	const (
		receivers = 8
		perSender = 50
	)
	recs := make([]*recorder, receivers)
	for i := range recs {
		recs[i] = &recorder{}
	}

	var wg sync.WaitGroup
	for id := 0; id < receivers; id++ {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				e.Submit(ctx, proto.Message{SenderID: i, ReceiverID: id, Text: "m"})
			}
		}(id)
		go func(id int) {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			e.Register(ctx, recs[id], probe(id))
		}(id)
	}
	wg.Wait()

	for id, r := range recs {
		got := r.messages()
		require.Len(t, got, perSender, "receiver %d", id)
		for i, m := range got {
			// per-receiver order is the submission order
			assert.Equal(t, i, m.SenderID)
		}
		assert.Empty(t, e.Pending(id))
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "delivered", Delivered.String())
	assert.Equal(t, "unreachable", Unreachable.String())
	assert.Equal(t, "queued", Queued.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
