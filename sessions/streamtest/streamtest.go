// Package streamtest is a conformance suite for sessions.StreamHost
// implementations.
package streamtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-radius-sql/sessions"
)

// HostFactory creates a new StreamHost for one subtest.
type HostFactory func(t *testing.T) sessions.StreamHost

// RunStreamHostTests runs the suite against hosts built by factory. Session
// IDs are unique per run so shared backends can be reused.
func RunStreamHostTests(t *testing.T, factory HostFactory) {
	run := fmt.Sprintf("%d", time.Now().UnixNano())
	id := func(name string) string { return "streamtest-" + run + "-" + name }

	t.Run("Messaging_PublishAndSubscribe", func(t *testing.T) { testPublishAndSubscribe(t, factory, id("pubsub")) })
	t.Run("Messaging_ResumeFromLastEventID", func(t *testing.T) { testResume(t, factory, id("resume")) })
	t.Run("Messaging_IsolationBetweenStreams", func(t *testing.T) { testIsolation(t, factory, id("iso-a"), id("iso-b")) })
	t.Run("Messaging_ContextCancellation", func(t *testing.T) { testCancellation(t, factory, id("cancel")) })
	t.Run("Messaging_HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerError(t, factory, id("handler-err")) })
	t.Run("Messaging_FanOut", func(t *testing.T) { testFanOut(t, factory, id("fanout")) })
	t.Run("Messaging_ResumeFromUnknownEventID", func(t *testing.T) { testUnknownEventID(t, factory, id("unknown")) })
	t.Run("Lifecycle_CloseEndsSubscribers", func(t *testing.T) { testCloseEndsSubscribers(t, factory, id("close")) })
}

func open(t *testing.T, h sessions.StreamHost, sessionID string) sessions.Stream {
	t.Helper()
	st, err := h.Open(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Open(%s): %v", sessionID, err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func publish(t *testing.T, st sessions.Stream, payload string) string {
	t.Helper()
	evID, err := st.Publish(context.Background(), []byte(payload))
	if err != nil {
		t.Fatalf("Publish(%s): %v", payload, err)
	}
	if evID == "" {
		t.Fatalf("Publish(%s): empty event id", payload)
	}
	return evID
}

type recorder struct {
	mu       sync.Mutex
	payloads []string
	ids      []string
	want     int
	full     chan struct{}
}

func newRecorder(want int) *recorder {
	return &recorder{want: want, full: make(chan struct{})}
}

func (r *recorder) handle(_ context.Context, evID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(data))
	r.ids = append(r.ids, evID)
	if len(r.payloads) == r.want {
		close(r.full)
	}
	return nil
}

func (r *recorder) wait(t *testing.T, timeout time.Duration) []string {
	t.Helper()
	select {
	case <-r.full:
	case <-time.After(timeout):
		r.mu.Lock()
		defer r.mu.Unlock()
		t.Fatalf("timed out: received %d of %d messages: %v", len(r.payloads), r.want, r.payloads)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testPublishAndSubscribe(t *testing.T, factory HostFactory, sessionID string) {
	st := open(t, factory(t), sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	anchor := publish(t, st, "anchor")
	rec := newRecorder(3)
	errCh := make(chan error, 1)
	go func() { errCh <- st.Subscribe(ctx, anchor, rec.handle) }()

	for _, p := range []string{"one", "two", "three"} {
		publish(t, st, p)
	}
	if got := rec.wait(t, 3*time.Second); !equal(got, []string{"one", "two", "three"}) {
		t.Fatalf("order: got %v", got)
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Subscribe after cancel: got %v", err)
	}
}

func testResume(t *testing.T, factory HostFactory, sessionID string) {
	st := open(t, factory(t), sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := publish(t, st, "a")
	publish(t, st, "b")
	publish(t, st, "c")

	rec := newRecorder(2)
	go func() { _ = st.Subscribe(ctx, first, rec.handle) }()
	if got := rec.wait(t, 3*time.Second); !equal(got, []string{"b", "c"}) {
		t.Fatalf("replay: got %v", got)
	}
}

func testIsolation(t *testing.T, factory HostFactory, idA, idB string) {
	h := factory(t)
	a := open(t, h, idA)
	b := open(t, h, idB)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	anchor := publish(t, b, "anchor-b")
	rec := newRecorder(1)
	go func() { _ = b.Subscribe(ctx, anchor, rec.handle) }()

	publish(t, a, "for-a")
	publish(t, b, "for-b")
	if got := rec.wait(t, 3*time.Second); !equal(got, []string{"for-b"}) {
		t.Fatalf("stream b received %v", got)
	}
}

func testCancellation(t *testing.T, factory HostFactory, sessionID string) {
	st := open(t, factory(t), sessionID)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- st.Subscribe(ctx, "", func(context.Context, string, []byte) error { return nil })
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not end after cancellation")
	}
}

func testHandlerError(t *testing.T, factory HostFactory, sessionID string) {
	st := open(t, factory(t), sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("boom")
	anchor := publish(t, st, "anchor")
	errCh := make(chan error, 1)
	go func() {
		errCh <- st.Subscribe(ctx, anchor, func(context.Context, string, []byte) error { return boom })
	}()
	publish(t, st, "trigger")

	select {
	case err := <-errCh:
		if !errors.Is(err, boom) {
			t.Fatalf("want handler error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler error did not end the subscription")
	}
}

func testFanOut(t *testing.T, factory HostFactory, sessionID string) {
	st := open(t, factory(t), sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	anchor := publish(t, st, "anchor")
	r1, r2 := newRecorder(3), newRecorder(3)
	go func() { _ = st.Subscribe(ctx, anchor, r1.handle) }()
	go func() { _ = st.Subscribe(ctx, anchor, r2.handle) }()

	for i := range 3 {
		publish(t, st, fmt.Sprintf("m%d", i))
	}
	want := []string{"m0", "m1", "m2"}
	if got := r1.wait(t, 3*time.Second); !equal(got, want) {
		t.Fatalf("subscriber 1: %v", got)
	}
	if got := r2.wait(t, 3*time.Second); !equal(got, want) {
		t.Fatalf("subscriber 2: %v", got)
	}
}

func testUnknownEventID(t *testing.T, factory HostFactory, sessionID string) {
	h := factory(t)
	st := open(t, h, sessionID)
	other := open(t, h, sessionID+"-other")
	// st stays empty, so an ID minted by another stream cannot exist in it.
	foreign := publish(t, other, "elsewhere")

	for _, resume := range []string{"non-existent-id", foreign} {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		delivered := false
		err := st.Subscribe(ctx, resume, func(context.Context, string, []byte) error {
			delivered = true
			return nil
		})
		cancel()
		if !errors.Is(err, sessions.ErrUnknownEventID) {
			t.Fatalf("Subscribe(%q): want ErrUnknownEventID, got %v", resume, err)
		}
		if delivered {
			t.Fatalf("Subscribe(%q): message delivered for unknown resume point", resume)
		}
	}
}

func testCloseEndsSubscribers(t *testing.T, factory HostFactory, sessionID string) {
	st := open(t, factory(t), sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	anchor := publish(t, st, "anchor")
	errCh := make(chan error, 1)
	go func() {
		errCh <- st.Subscribe(ctx, anchor, func(context.Context, string, []byte) error { return nil })
	}()
	time.Sleep(50 * time.Millisecond)

	if err := st.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, sessions.ErrStreamClosed) {
			t.Fatalf("Subscribe after close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close did not end the subscriber")
	}

	if _, err := st.Publish(context.Background(), []byte("late")); !errors.Is(err, sessions.ErrStreamClosed) {
		t.Fatalf("Publish after close: want ErrStreamClosed, got %v", err)
	}
}
