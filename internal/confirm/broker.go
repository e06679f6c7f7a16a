// Package confirm implements the human-in-the-loop approval gate for
// sandbox-requested mutating actions.
package confirm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a confirmation request. PENDING is the
// only non-terminal state and transitions are one-way.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimedOut Status = "timed_out"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool { return s != StatusPending }

// Approved reports whether the gated operation may proceed.
func (s Status) Approved() bool { return s == StatusApproved }

var (
	// ErrUnknownConfirmation is returned by Resolve for an id that was
	// never requested on this broker.
	ErrUnknownConfirmation = errors.New("unknown confirmation request id")

	// ErrAlreadyResolved is returned by Resolve when the request already
	// reached a terminal status. An external answer must never silently
	// succeed against a non-pending request.
	ErrAlreadyResolved = errors.New("confirmation request already resolved")
)

// Request describes a confirmation awaiting a human answer.
type Request struct {
	ID        uuid.UUID
	Message   string
	CreatedAt time.Time
}

// Resolution records a request reaching a terminal status.
type Resolution struct {
	ID     uuid.UUID
	Status Status
}

// DefaultTimeout is how long a request stays pending before timing out.
const DefaultTimeout = 60 * time.Second

// notifyBuffer sizes the observer channels. Requests are sequential per
// broker, so a small buffer guarantees no notification is dropped.
const notifyBuffer = 16

type pending struct {
	request Request
	status  Status
	done    chan struct{}
}

// Broker manages pending confirmation requests for one session. The
// execution path inserts requests and blocks on them; an external answer
// path resolves them by id. At most one request is active at a time;
// later requests queue behind it.
type Broker struct {
	timeout time.Duration

	mu       sync.Mutex
	requests map[uuid.UUID]*pending

	gate        chan struct{}
	notify      chan Request
	resolutions chan Resolution
}

// NewBroker creates a broker with the given timeout. A non-positive
// timeout selects DefaultTimeout.
func NewBroker(timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		timeout:     timeout,
		requests:    make(map[uuid.UUID]*pending),
		gate:        make(chan struct{}, 1),
		notify:      make(chan Request, notifyBuffer),
		resolutions: make(chan Resolution, notifyBuffer),
	}
}

// Requests delivers each new confirmation request exactly once, for
// surfacing to the user without blocking the execution path.
func (b *Broker) Requests() <-chan Request { return b.notify }

// Resolutions delivers each terminal transition exactly once.
func (b *Broker) Resolutions() <-chan Resolution { return b.resolutions }

// Timeout returns the configured pending window.
func (b *Broker) Timeout() time.Duration { return b.timeout }

// RequestConfirmation registers a request for the given message and blocks
// the calling execution path until it is approved, denied, timed out, or
// the context is canceled. The returned status is terminal.
func (b *Broker) RequestConfirmation(ctx context.Context, message string) Status {
	select {
	case b.gate <- struct{}{}:
	case <-ctx.Done():
		return StatusCanceled
	}
	defer func() { <-b.gate }()

	p := &pending{
		request: Request{ID: uuid.New(), Message: message, CreatedAt: time.Now()},
		status:  StatusPending,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.requests[p.request.ID] = p
	b.mu.Unlock()

	b.notify <- p.request

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		b.transition(p, StatusTimedOut)
	case <-ctx.Done():
		b.transition(p, StatusCanceled)
	}

	b.mu.Lock()
	status := p.status
	b.mu.Unlock()
	return status
}

// Resolve applies an external approve/deny answer correlated by request
// id. Unknown ids and already-terminal requests are protocol errors.
func (b *Broker) Resolve(id uuid.UUID, approve bool) error {
	b.mu.Lock()
	p, ok := b.requests[id]
	b.mu.Unlock()
	if !ok {
		return ErrUnknownConfirmation
	}

	status := StatusDenied
	if approve {
		status = StatusApproved
	}
	if !b.transition(p, status) {
		return ErrAlreadyResolved
	}
	return nil
}

// CancelAll marks every still-pending request canceled. Called at session
// teardown so no execution path is left blocked.
func (b *Broker) CancelAll() {
	b.mu.Lock()
	var stillPending []*pending
	for _, p := range b.requests {
		if p.status == StatusPending {
			stillPending = append(stillPending, p)
		}
	}
	b.mu.Unlock()

	for _, p := range stillPending {
		b.transition(p, StatusCanceled)
	}
}

// transition moves a request out of PENDING. It reports false if the
// request was already terminal.
func (b *Broker) transition(p *pending, to Status) bool {
	b.mu.Lock()
	if p.status != StatusPending {
		b.mu.Unlock()
		return false
	}
	p.status = to
	close(p.done)
	b.mu.Unlock()

	select {
	case b.resolutions <- Resolution{ID: p.request.ID, Status: to}:
	default:
		// Observer fell too far behind; the authoritative status is
		// still recorded on the request itself.
	}
	return true
}
