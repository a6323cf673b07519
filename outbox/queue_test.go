package outbox

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/relaybot/testutil"
)

// blockingSender parks inside Send until released, so tests can cancel the
// backend mid-send and observe the drain.
type blockingSender struct {
	started chan struct{}
	release chan struct{}

	mu   sync.Mutex
	done int
}

func newBlockingSender() *blockingSender {
	return &blockingSender{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (s *blockingSender) Send(ctx context.Context, channelID, message string) error {
	s.started <- struct{}{}
	<-s.release
	s.mu.Lock()
	s.done++
	s.mu.Unlock()
	return nil
}

func (s *blockingSender) doneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func TestQueueBackendDeliversEnqueueNotification(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	if _, err := dbx.Exec(`DELETE FROM outbox_messages WHERE channel_id = 'queue-notify'`); err != nil {
		t.Fatalf("clear outbox: %v", err)
	}
	t.Cleanup(func() {
		_, _ = dbx.Exec(`DELETE FROM outbox_messages WHERE channel_id = 'queue-notify'`)
	})

	store := NewStore(dbx)
	sender := &fakeSender{}
	d := NewDispatcher(store, sender, nil, nil, 3, time.Minute)
	// Sweep parked far out so delivery can only come from the notification.
	b := NewQueueBackend(d, os.Getenv("TEST_PG_DSN"), 2, time.Hour, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	// Give the backend a moment to establish LISTEN before the enqueue
	// fires its pg_notify.
	time.Sleep(500 * time.Millisecond)

	id, err := store.Enqueue(context.Background(), "queue-notify", "hello queue")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		m, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if m.Status == StatusSent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message not delivered via notification, status=%s", m.Status)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if sender.sentCount() != 1 {
		t.Fatalf("expected exactly one send, got %d", sender.sentCount())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestQueueBackendDrainsInFlightSendOnCancel(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	if _, err := dbx.Exec(`DELETE FROM outbox_messages WHERE channel_id = 'queue-drain'`); err != nil {
		t.Fatalf("clear outbox: %v", err)
	}
	t.Cleanup(func() {
		_, _ = dbx.Exec(`DELETE FROM outbox_messages WHERE channel_id = 'queue-drain'`)
	})

	store := NewStore(dbx)
	sender := newBlockingSender()
	d := NewDispatcher(store, sender, nil, nil, 3, time.Minute)
	b := NewQueueBackend(d, os.Getenv("TEST_PG_DSN"), 1, time.Hour, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	time.Sleep(500 * time.Millisecond)
	if _, err := store.Enqueue(context.Background(), "queue-drain", "slow send"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-sender.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up the message")
	}

	// Cancel while the send is in flight; Run must wait for the worker.
	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a send was still in flight")
	case <-time.After(200 * time.Millisecond):
	}

	close(sender.release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the worker finished")
	}
	if sender.doneCount() != 1 {
		t.Fatal("in-flight send did not complete before Run returned")
	}
}
