package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"mailqueue/delivery"
	"mailqueue/internal/metrics"
)

const (
	testPacing = 25 * time.Millisecond
	testRetry  = 50 * time.Millisecond
)

type attempt struct {
	to  string
	at  time.Time
	err error
}

// fakeTransport fails each recipient the scripted number of times before
// succeeding. A nil entry in failures means always succeed.
type fakeTransport struct {
	mu       sync.Mutex
	failures map[string]int
	attempts []attempt
	active   int32
	overlap  int32
	block    chan struct{}
	entered  chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failures: map[string]int{}}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(ctx context.Context, msg delivery.Message) (string, error) {
	if atomic.AddInt32(&f.active, 1) > 1 {
		atomic.StoreInt32(&f.overlap, 1)
	}
	defer atomic.AddInt32(&f.active, -1)

	if f.entered != nil {
		f.entered <- msg.To
	}
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if n := f.failures[msg.To]; n != 0 {
		if n > 0 {
			f.failures[msg.To] = n - 1
		}
		err = errors.New("upstream rejected " + msg.To)
	}
	f.attempts = append(f.attempts, attempt{to: msg.To, at: time.Now(), err: err})
	if err != nil {
		return "", err
	}
	return "id-" + msg.To, nil
}

func (f *fakeTransport) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.attempts))
	for i, a := range f.attempts {
		out[i] = a.to
	}
	return out
}

func (f *fakeTransport) snapshot() []attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]attempt(nil), f.attempts...)
}

func testOptions() Options {
	return Options{
		PacingDelay: testPacing,
		RetryDelay:  testRetry,
		MaxRetries:  DefaultMaxRetries,
		SendTimeout: time.Second,
	}
}

func newTestManager(t *testing.T, tr delivery.Transport, opts Options) (*Manager, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	m := NewManager(tr, zap.New(core).Sugar(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, logs
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := m.Status()
		return s.Pending == 0 && !s.Draining && !s.InFlight
	}, 3*time.Second, 5*time.Millisecond)
}

func TestDrainSendsInOrderWithPacing(t *testing.T) {
	tr := newFakeTransport()
	m, logs := newTestManager(t, tr, testOptions())
	sent := testutil.ToFloat64(metrics.JobsSent)

	for _, to := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		id := m.Enqueue(Request{Sender: "S", Recipient: to, Subject: "hi", Body: "<p>hi</p>"})
		assert.NotEmpty(t, id)
	}
	waitIdle(t, m)

	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, tr.recipients())
	attempts := tr.snapshot()
	for i := 1; i < len(attempts); i++ {
		assert.GreaterOrEqual(t, attempts[i].at.Sub(attempts[i-1].at), testPacing)
	}
	assert.Equal(t, Status{}, m.Status())
	assert.Equal(t, sent+3, testutil.ToFloat64(metrics.JobsSent))
	assert.Equal(t, 3, logs.FilterMessage("Email sent").Len())
	assert.Equal(t, 1, logs.FilterMessage("Starting drain loop").Len())
	require.Eventually(t, func() bool {
		return logs.FilterMessage("Drain loop finished").Len() == 1
	}, time.Second, time.Millisecond)
}

func TestFailedJobRetriesAtFront(t *testing.T) {
	tr := newFakeTransport()
	tr.failures["a@x.com"] = 2
	m, logs := newTestManager(t, tr, testOptions())

	m.Enqueue(Request{Recipient: "a@x.com"})
	m.Enqueue(Request{Recipient: "b@x.com"})
	waitIdle(t, m)

	assert.Equal(t, []string{"a@x.com", "a@x.com", "a@x.com", "b@x.com"}, tr.recipients())
	attempts := tr.snapshot()
	assert.GreaterOrEqual(t, attempts[1].at.Sub(attempts[0].at), testRetry)
	assert.GreaterOrEqual(t, attempts[2].at.Sub(attempts[1].at), testRetry)
	assert.GreaterOrEqual(t, attempts[3].at.Sub(attempts[2].at), testPacing)

	retries := logs.FilterMessage("Email send failed, retrying").All()
	require.Len(t, retries, 2)
	assert.EqualValues(t, 1, retries[0].ContextMap()["attempt"])
	assert.EqualValues(t, 2, retries[1].ContextMap()["attempt"])
	assert.Zero(t, logs.FilterMessage("Email permanently failed").Len())
}

func TestZeroRetriesDiscardsAfterOneAttempt(t *testing.T) {
	tr := newFakeTransport()
	tr.failures["a@x.com"] = -1
	m, logs := newTestManager(t, tr, testOptions())
	exhausted := testutil.ToFloat64(metrics.JobsDiscarded.WithLabelValues("exhausted"))

	m.Enqueue(Request{Recipient: "a@x.com", MaxRetries: Retries(0)})
	waitIdle(t, m)

	assert.Equal(t, []string{"a@x.com"}, tr.recipients())
	assert.Equal(t, 1, logs.FilterMessage("Email permanently failed").Len())
	assert.Equal(t, exhausted+1, testutil.ToFloat64(metrics.JobsDiscarded.WithLabelValues("exhausted")))
}

func TestDefaultRetriesGiveFourAttempts(t *testing.T) {
	tr := newFakeTransport()
	tr.failures["a@x.com"] = -1
	m, logs := newTestManager(t, tr, testOptions())

	m.Enqueue(Request{Recipient: "a@x.com"})
	m.Enqueue(Request{Recipient: "b@x.com"})
	waitIdle(t, m)

	assert.Equal(t, []string{"a@x.com", "a@x.com", "a@x.com", "a@x.com", "b@x.com"}, tr.recipients())
	assert.Equal(t, 3, logs.FilterMessage("Email send failed, retrying").Len())
	failed := logs.FilterMessage("Email permanently failed").All()
	require.Len(t, failed, 1)
	assert.EqualValues(t, 4, failed[0].ContextMap()["attempts"])
}

func TestNegativeRetriesClampToZero(t *testing.T) {
	tr := newFakeTransport()
	tr.failures["a@x.com"] = -1
	m, _ := newTestManager(t, tr, testOptions())

	m.Enqueue(Request{Recipient: "a@x.com", MaxRetries: Retries(-5)})
	waitIdle(t, m)
	assert.Len(t, tr.recipients(), 1)
}

func TestEnqueueDoesNotBlockOnTransport(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	m, _ := newTestManager(t, tr, testOptions())
	defer close(tr.block)

	start := time.Now()
	for i := 0; i < 5; i++ {
		m.Enqueue(Request{Recipient: "a@x.com"})
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	require.Eventually(t, func() bool { return m.Status().InFlight }, time.Second, time.Millisecond)
	status := m.Status()
	assert.True(t, status.Draining)
	assert.Equal(t, 4, status.Pending)
}

func TestSingleDrainUnderConcurrentEnqueue(t *testing.T) {
	tr := newFakeTransport()
	opts := testOptions()
	opts.PacingDelay = time.Millisecond
	m, logs := newTestManager(t, tr, opts)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Enqueue(Request{Recipient: "a@x.com"})
		}()
	}
	wg.Wait()
	waitIdle(t, m)

	assert.Len(t, tr.recipients(), 20)
	assert.Zero(t, atomic.LoadInt32(&tr.overlap))
	require.Eventually(t, func() bool {
		return logs.FilterMessage("Starting drain loop").Len() == logs.FilterMessage("Drain loop finished").Len()
	}, time.Second, time.Millisecond)
}

func TestEnqueueAfterIdleStartsNewLoop(t *testing.T) {
	tr := newFakeTransport()
	m, logs := newTestManager(t, tr, testOptions())

	m.Enqueue(Request{Recipient: "a@x.com"})
	waitIdle(t, m)
	m.Enqueue(Request{Recipient: "b@x.com"})
	waitIdle(t, m)

	assert.Equal(t, []string{"a@x.com", "b@x.com"}, tr.recipients())
	assert.Equal(t, 2, logs.FilterMessage("Starting drain loop").Len())
}

func TestClearBetweenAttemptsStopsLoop(t *testing.T) {
	tr := newFakeTransport()
	opts := testOptions()
	opts.PacingDelay = time.Second
	m, logs := newTestManager(t, tr, opts)

	for _, to := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		m.Enqueue(Request{Recipient: to})
	}
	require.Eventually(t, func() bool { return len(tr.recipients()) == 1 && !m.Status().InFlight }, time.Second, time.Millisecond)

	assert.Equal(t, 2, m.Clear())
	assert.Equal(t, Status{}, m.Status())
	assert.Equal(t, 1, logs.FilterMessage("Queue cleared").Len())

	// a fresh enqueue is served by a new loop without waiting out the old pacing delay
	m.Enqueue(Request{Recipient: "d@x.com"})
	require.Eventually(t, func() bool { return len(tr.recipients()) == 2 }, 500*time.Millisecond, time.Millisecond)
	assert.Equal(t, []string{"a@x.com", "d@x.com"}, tr.recipients())
	assert.Zero(t, atomic.LoadInt32(&tr.overlap))
}

func TestClearLeavesInFlightSendAlone(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	tr.entered = make(chan string, 4)
	tr.failures["a@x.com"] = 1
	m, _ := newTestManager(t, tr, testOptions())

	m.Enqueue(Request{Recipient: "a@x.com"})
	m.Enqueue(Request{Recipient: "b@x.com"})
	assert.Equal(t, "a@x.com", <-tr.entered)

	assert.Equal(t, 1, m.Clear())
	status := m.Status()
	assert.True(t, status.Draining)
	assert.True(t, status.InFlight)
	assert.Zero(t, status.Pending)

	close(tr.block)
	waitIdle(t, m)
	// the in-flight job still gets its retry, the cleared one is never sent
	assert.Equal(t, []string{"a@x.com", "a@x.com"}, tr.recipients())
}

func TestGaugesSettleAfterEnqueueClearInterleave(t *testing.T) {
	tr := delivery.TransportFunc(func(ctx context.Context, msg delivery.Message) (string, error) {
		return "ok", nil
	})
	opts := testOptions()
	opts.PacingDelay = time.Millisecond
	opts.RetryDelay = time.Millisecond
	m, _ := newTestManager(t, tr, opts)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				m.Enqueue(Request{Recipient: "a@x.com"})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				m.Clear()
			}
		}()
	}
	wg.Wait()
	waitIdle(t, m)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.Draining) == 0 && testutil.ToFloat64(metrics.PendingJobs) == 0
	}, time.Second, time.Millisecond)
}

func TestClearResetsDrainingGauge(t *testing.T) {
	tr := newFakeTransport()
	opts := testOptions()
	opts.PacingDelay = time.Second
	m, _ := newTestManager(t, tr, opts)

	m.Enqueue(Request{Recipient: "a@x.com"})
	m.Enqueue(Request{Recipient: "b@x.com"})
	require.Eventually(t, func() bool { return len(tr.recipients()) == 1 && !m.Status().InFlight }, time.Second, time.Millisecond)

	m.Clear()
	assert.Zero(t, testutil.ToFloat64(metrics.Draining))
	assert.Zero(t, testutil.ToFloat64(metrics.PendingJobs))
}

func TestClearOnEmptyQueue(t *testing.T) {
	m, _ := newTestManager(t, newFakeTransport(), testOptions())
	assert.Zero(t, m.Clear())
	assert.Equal(t, Status{}, m.Status())
}

func TestSendTimeoutCountsAsFailure(t *testing.T) {
	hang := make(chan struct{})
	defer close(hang)
	var calls int32
	tr := delivery.TransportFunc(func(ctx context.Context, msg delivery.Message) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-hang
		return "late", nil
	})
	opts := testOptions()
	opts.SendTimeout = 20 * time.Millisecond
	m, logs := newTestManager(t, tr, opts)
	timeouts := testutil.ToFloat64(metrics.SendAttempts.WithLabelValues("custom", "timeout"))

	m.Enqueue(Request{Recipient: "a@x.com", MaxRetries: Retries(1)})
	waitIdle(t, m)

	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Equal(t, timeouts+2, testutil.ToFloat64(metrics.SendAttempts.WithLabelValues("custom", "timeout")))
	failed := logs.FilterMessage("Email permanently failed").All()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].ContextMap()["error"], "timed out")
}

func TestTransportPanicIsAFailure(t *testing.T) {
	tr := delivery.TransportFunc(func(ctx context.Context, msg delivery.Message) (string, error) {
		panic("boom")
	})
	m, logs := newTestManager(t, tr, testOptions())

	m.Enqueue(Request{Recipient: "a@x.com", MaxRetries: Retries(0)})
	waitIdle(t, m)
	assert.Equal(t, 1, logs.FilterMessage("Email permanently failed").Len())
}

func TestDefaultSenderFillsEmptySender(t *testing.T) {
	var got delivery.Message
	var mu sync.Mutex
	tr := delivery.TransportFunc(func(ctx context.Context, msg delivery.Message) (string, error) {
		mu.Lock()
		got = msg
		mu.Unlock()
		return "ok", nil
	})
	opts := testOptions()
	opts.DefaultSender = "Team <team@x.com>"
	m, _ := newTestManager(t, tr, opts)

	m.Enqueue(Request{Recipient: "a@x.com", Subject: "s", Body: "b"})
	waitIdle(t, m)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, delivery.Message{From: "Team <team@x.com>", To: "a@x.com", Subject: "s", HTML: "b"}, got)
}

func TestShutdownDropsBacklog(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	tr.entered = make(chan string, 4)
	m, logs := newTestManager(t, tr, testOptions())

	m.Enqueue(Request{Recipient: "a@x.com"})
	m.Enqueue(Request{Recipient: "b@x.com"})
	<-tr.entered

	done := make(chan error, 1)
	go func() { done <- m.Shutdown(context.Background()) }()
	require.Eventually(t, func() bool { return m.Status().Pending == 0 }, time.Second, time.Millisecond)
	close(tr.block)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"a@x.com"}, tr.recipients())
	assert.Equal(t, Status{}, m.Status())
	assert.ErrorIs(t, m.Shutdown(context.Background()), ErrClosed)

	id := m.Enqueue(Request{Recipient: "c@x.com"})
	assert.NotEmpty(t, id)
	assert.Zero(t, m.Status().Pending)
	assert.Equal(t, 1, logs.FilterMessage("Queue is shut down, dropping email").Len())
}

func TestShutdownHonoursContext(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	tr.entered = make(chan string, 1)
	core, _ := observer.New(zap.DebugLevel)
	m := NewManager(tr, zap.New(core).Sugar(), testOptions())
	defer close(tr.block)

	m.Enqueue(Request{Recipient: "a@x.com"})
	<-tr.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Shutdown(ctx), context.DeadlineExceeded)
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{MaxRetries: -1}.withDefaults()
	assert.Equal(t, DefaultPacingDelay, opts.PacingDelay)
	assert.Equal(t, 2*DefaultPacingDelay, opts.RetryDelay)
	assert.Zero(t, opts.MaxRetries)
	assert.Equal(t, DefaultSendTimeout, opts.SendTimeout)

	custom := Options{PacingDelay: 10 * time.Millisecond}.withDefaults()
	assert.Equal(t, 20*time.Millisecond, custom.RetryDelay)

	assert.Equal(t, DefaultOptions(), DefaultOptions().withDefaults())
}
