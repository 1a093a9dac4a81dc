package queue

import "time"

const (
	DefaultPacingDelay = 600 * time.Millisecond
	DefaultMaxRetries  = 3
	DefaultSendTimeout = 30 * time.Second
)

// Job is one outbound email owned by the queue from admission until it is
// sent or discarded.
type Job struct {
	ID         string
	Sender     string
	Recipient  string
	Subject    string
	Body       string
	RetryCount int
	MaxRetries int
	AdmittedAt time.Time
}

// Request is what a producer submits. A nil MaxRetries takes the queue default.
type Request struct {
	Sender     string
	Recipient  string
	Subject    string
	Body       string
	MaxRetries *int
}

// Retries is a convenience for filling Request.MaxRetries.
func Retries(n int) *int {
	return &n
}

// Status is a point-in-time snapshot of the queue.
type Status struct {
	Pending  int  `json:"pendingCount"`
	Draining bool `json:"isDraining"`
	InFlight bool `json:"inFlight"`
}

// Options tunes pacing and retry behaviour.
type Options struct {
	// PacingDelay is waited after every successful or permanently failed attempt.
	PacingDelay time.Duration
	// RetryDelay is waited after a failed attempt that is re-queued.
	// Defaults to twice PacingDelay.
	RetryDelay time.Duration
	// MaxRetries applies to requests that do not set their own.
	MaxRetries int
	// SendTimeout bounds each transport call; a timeout counts as a failure.
	SendTimeout time.Duration
	// DefaultSender fills Request.Sender when it is empty.
	DefaultSender string
}

// DefaultOptions returns the production pacing: under two sends per second.
func DefaultOptions() Options {
	return Options{
		PacingDelay: DefaultPacingDelay,
		RetryDelay:  2 * DefaultPacingDelay,
		MaxRetries:  DefaultMaxRetries,
		SendTimeout: DefaultSendTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.PacingDelay <= 0 {
		o.PacingDelay = DefaultPacingDelay
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * o.PacingDelay
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	return o
}
