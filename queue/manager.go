package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailqueue/delivery"
	"mailqueue/internal/metrics"
)

// ErrClosed is returned by Shutdown when the manager is already shut down.
var ErrClosed = errors.New("queue: manager is shut down")

// Manager serialises outbound email through a single drain loop, pacing
// attempts and retrying failures at the front of the queue.
type Manager struct {
	transport delivery.Transport
	transName string
	log       *zap.SugaredLogger
	opts      Options

	mu       sync.Mutex
	queue    []*Job
	current  *drainLoop
	inFlight *Job
	closed   bool
}

// drainLoop identifies one run of the drain goroutine. A loop that is no
// longer m.current must exit without sending.
type drainLoop struct {
	retired chan struct{}
	done    chan struct{}
}

// NewManager creates a queue that delivers through transport.
func NewManager(transport delivery.Transport, log *zap.SugaredLogger, opts Options) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	opts = opts.withDefaults()

	m := &Manager{
		transport: transport,
		transName: delivery.NameOf(transport),
		log:       log.Named("queue"),
		opts:      opts,
	}
	m.log.Infow("Initializing email queue",
		"transport", m.transName,
		"pacingDelay", opts.PacingDelay,
		"retryDelay", opts.RetryDelay,
		"maxRetries", opts.MaxRetries,
		"sendTimeout", opts.SendTimeout)
	return m
}

// Enqueue admits a job and returns its id. It never blocks on I/O; the drain
// loop is started in the background if it is not already running.
func (m *Manager) Enqueue(req Request) string {
	job := m.newJob(req)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.log.Warnw("Queue is shut down, dropping email", "id", job.ID, "recipient", job.Recipient)
		metrics.JobsDiscarded.WithLabelValues("shutdown").Inc()
		return job.ID
	}
	m.queue = append(m.queue, job)
	pending := len(m.queue)
	metrics.SetQueueDepth(pending)
	if m.current == nil {
		l := &drainLoop{retired: make(chan struct{}), done: make(chan struct{})}
		m.current = l
		metrics.SetDraining(true)
		go m.drain(l)
	}
	m.mu.Unlock()

	metrics.JobsEnqueued.Inc()
	m.log.Infow("Email queued",
		"id", job.ID,
		"recipient", job.Recipient,
		"maxRetries", job.MaxRetries,
		"pending", pending)
	return job.ID
}

// Status reports the instantaneous queue state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Pending:  len(m.queue),
		Draining: m.current != nil,
		InFlight: m.inFlight != nil,
	}
}

// Clear drops every queued job and returns how many were dropped. A send
// already in flight is not interrupted and completes its own retry handling.
// When nothing is in flight the drain loop is stopped immediately.
func (m *Manager) Clear() int {
	m.mu.Lock()
	dropped := len(m.queue)
	m.queue = nil
	metrics.SetQueueDepth(0)
	if m.current != nil && m.inFlight == nil {
		close(m.current.retired)
		m.current = nil
		metrics.SetDraining(false)
	}
	draining := m.current != nil
	m.mu.Unlock()

	metrics.JobsDiscarded.WithLabelValues("cleared").Add(float64(dropped))
	m.log.Warnw("Queue cleared", "dropped", dropped, "draining", draining)
	return dropped
}

// Shutdown stops the drain loop after any in-flight attempt, drops the
// backlog and waits for the loop to exit or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	dropped := len(m.queue)
	m.queue = nil
	metrics.SetQueueDepth(0)
	l := m.current
	if l != nil && m.inFlight == nil {
		close(l.retired)
		m.current = nil
		metrics.SetDraining(false)
	}
	m.mu.Unlock()

	metrics.JobsDiscarded.WithLabelValues("shutdown").Add(float64(dropped))
	m.log.Infow("Shutting down email queue", "dropped", dropped)

	if l == nil {
		return nil
	}
	select {
	case <-l.done:
		m.log.Info("Email queue stopped")
		return nil
	case <-ctx.Done():
		m.log.Warn("Email queue shutdown timed out with a send in flight")
		return ctx.Err()
	}
}

func (m *Manager) newJob(req Request) *Job {
	maxRetries := m.opts.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	sender := req.Sender
	if sender == "" {
		sender = m.opts.DefaultSender
	}
	return &Job{
		ID:         uuid.NewString(),
		Sender:     sender,
		Recipient:  req.Recipient,
		Subject:    req.Subject,
		Body:       req.Body,
		MaxRetries: maxRetries,
		AdmittedAt: time.Now(),
	}
}

func (m *Manager) drain(l *drainLoop) {
	defer close(l.done)
	m.log.Infow("Starting drain loop", "pending", m.Status().Pending)

	for {
		m.mu.Lock()
		if m.current != l {
			m.mu.Unlock()
			m.log.Info("Drain loop retired")
			return
		}
		if m.closed || len(m.queue) == 0 {
			m.current = nil
			metrics.SetDraining(false)
			m.mu.Unlock()
			m.log.Info("Drain loop finished")
			return
		}
		job := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.inFlight = job
		metrics.SetQueueDepth(len(m.queue))
		m.mu.Unlock()

		messageID, err := m.send(job)

		delay := m.opts.PacingDelay
		m.mu.Lock()
		m.inFlight = nil
		switch {
		case err == nil:
			m.log.Infow("Email sent",
				"id", job.ID,
				"recipient", job.Recipient,
				"messageID", messageID,
				"attempt", job.RetryCount+1)
			metrics.JobsSent.Inc()
		case job.RetryCount < job.MaxRetries && !m.closed:
			job.RetryCount++
			m.queue = append([]*Job{job}, m.queue...)
			delay = m.opts.RetryDelay
			m.log.Warnw("Email send failed, retrying",
				"id", job.ID,
				"recipient", job.Recipient,
				"attempt", job.RetryCount,
				"maxRetries", job.MaxRetries,
				"retryIn", delay,
				"error", err)
			metrics.JobsRetried.Inc()
		case m.closed:
			m.log.Warnw("Email send failed during shutdown, dropping",
				"id", job.ID,
				"recipient", job.Recipient,
				"error", err)
			metrics.JobsDiscarded.WithLabelValues("shutdown").Inc()
		default:
			m.log.Errorw("Email permanently failed",
				"id", job.ID,
				"recipient", job.Recipient,
				"attempts", job.RetryCount+1,
				"maxRetries", job.MaxRetries,
				"error", err)
			metrics.JobsDiscarded.WithLabelValues("exhausted").Inc()
		}
		metrics.SetQueueDepth(len(m.queue))
		closed := m.closed
		m.mu.Unlock()

		if closed {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-l.retired:
			timer.Stop()
		}
	}
}

type sendResult struct {
	id  string
	err error
}

// send performs one bounded transport call. A transport that ignores ctx is
// abandoned when the timeout fires.
func (m *Manager) send(job *Job) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.SendTimeout)
	defer cancel()

	msg := delivery.Message{
		From:    job.Sender,
		To:      job.Recipient,
		Subject: job.Subject,
		HTML:    job.Body,
	}

	start := time.Now()
	results := make(chan sendResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- sendResult{err: fmt.Errorf("transport panic: %v", r)}
			}
		}()
		id, err := m.transport.Send(ctx, msg)
		results <- sendResult{id: id, err: err}
	}()

	var res sendResult
	outcome := "success"
	select {
	case res = <-results:
		if res.err != nil {
			outcome = "failure"
			if errors.Is(res.err, context.DeadlineExceeded) {
				outcome = "timeout"
			}
		}
	case <-ctx.Done():
		res.err = fmt.Errorf("send timed out after %s: %w", m.opts.SendTimeout, ctx.Err())
		outcome = "timeout"
	}

	metrics.SendDuration.WithLabelValues(m.transName).Observe(time.Since(start).Seconds())
	metrics.SendAttempts.WithLabelValues(m.transName, outcome).Inc()
	return res.id, res.err
}
