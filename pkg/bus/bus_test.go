package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brendanlong/clawed-burrow-sub001/pkg/session"
)

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestPublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(context.Background(), Filter{})
	defer sub.Close()

	b.Publish(StatusChanged{SessionID: "s1", From: session.StatusCreating, To: session.StatusRunning, At: time.Now()})

	e := recvEvent(t, sub)
	sc, ok := e.(StatusChanged)
	if !ok {
		t.Fatalf("event = %T, want StatusChanged", e)
	}
	if sc.SessionID != "s1" || sc.To != session.StatusRunning {
		t.Errorf("event = %+v", sc)
	}
}

func TestSessionFilter(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(context.Background(), Filter{SessionID: "s1"})
	defer sub.Close()

	b.Publish(RunningChanged{SessionID: "s2", Running: true})
	b.Publish(RunningChanged{SessionID: "s1", Running: true})

	e := recvEvent(t, sub)
	if e.EventSessionID() != "s1" {
		t.Errorf("got event for session %q, want s1", e.EventSessionID())
	}
	select {
	case e := <-sub.C:
		t.Errorf("unexpected second event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestKindFilter(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(context.Background(), Filter{Kinds: []EventKind{KindMessageAppended}})
	defer sub.Close()

	b.Publish(RunningChanged{SessionID: "s1", Running: true})
	b.Publish(MessageAppended{SessionID: "s1", Message: session.Message{Sequence: 1}})

	e := recvEvent(t, sub)
	if e.EventKind() != KindMessageAppended {
		t.Errorf("kind = %s, want %s", e.EventKind(), KindMessageAppended)
	}
}

func TestFIFOPerSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(context.Background(), Filter{SessionID: "s1"})
	defer sub.Close()

	const n = 100
	for i := 1; i <= n; i++ {
		b.Publish(MessageAppended{SessionID: "s1", Message: session.Message{Sequence: int64(i)}})
	}

	for i := 1; i <= n; i++ {
		e := recvEvent(t, sub)
		ma := e.(MessageAppended)
		if ma.Message.Sequence != int64(i) {
			t.Fatalf("event %d has sequence %d, want %d", i, ma.Message.Sequence, i)
		}
	}
}

func TestContextCancelDeregisters(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx, Filter{})
	if got := b.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", got)
	}

	cancel()

	deadline := time.After(2 * time.Second)
	for b.SubscriberCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("subscriber was not deregistered after context cancel")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The channel must be closed so range loops terminate.
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("received event after cancel, want closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe(context.Background(), Filter{})

	sub.Close()
	sub.Close()
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}

	b.Close()
	b.Close()

	// Publishing after close must not panic.
	b.Publish(RunningChanged{SessionID: "s1"})
}

func TestSubscribeAfterBusClose(t *testing.T) {
	b := New()
	b.Close()

	sub := b.Subscribe(context.Background(), Filter{})
	if _, ok := <-sub.C; ok {
		t.Error("subscription on closed bus should have a closed channel")
	}
	sub.Close()
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := NewSized(2)
	defer b.Close()

	sub := b.Subscribe(context.Background(), Filter{})
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 10; i++ {
			b.Publish(MessageAppended{SessionID: "s1", Message: session.Message{Sequence: int64(i)}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}

	if got := sub.Dropped(); got != 8 {
		t.Errorf("Dropped() = %d, want 8", got)
	}

	// The first two events survive, in order.
	first := recvEvent(t, sub).(MessageAppended)
	second := recvEvent(t, sub).(MessageAppended)
	if first.Message.Sequence != 1 || second.Message.Sequence != 2 {
		t.Errorf("surviving sequences = %d, %d; want 1, 2", first.Message.Sequence, second.Message.Sequence)
	}
}

func TestManyConcurrentSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	const subscribers = 120
	subs := make([]*Subscription, subscribers)
	for i := range subs {
		subs[i] = b.Subscribe(context.Background(), Filter{SessionID: "s1"})
	}

	b.Publish(StatusChanged{SessionID: "s1", From: session.StatusRunning, To: session.StatusStopped})

	var wg sync.WaitGroup
	errs := make(chan error, subscribers)
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			select {
			case e := <-sub.C:
				if e.EventKind() != KindStatusChanged {
					errs <- fmt.Errorf("subscriber %d: kind %s", i, e.EventKind())
				}
			case <-time.After(2 * time.Second):
				errs <- fmt.Errorf("subscriber %d: timeout", i)
			}
		}(i, sub)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for _, sub := range subs {
		sub.Close()
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d after closing all, want 0", got)
	}
}

func TestConcurrentPublishAndClose(t *testing.T) {
	b := New()
	defer b.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.Publish(RunningChanged{SessionID: "s1", Running: i%2 == 0})
			}
		}()
	}
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				sub := b.Subscribe(context.Background(), Filter{})
				sub.Close()
			}
		}()
	}
	wg.Wait()

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}
