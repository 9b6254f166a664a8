// Package approval provides the out-of-band human sign-off channel used by
// approval gates. The core only needs a request/response shape and a
// timeout; transport (chat, ticketing, email) lives outside this module.
//
// A request that receives no decision within its window resolves to denied.
// Waiting forever is not an option; the fail-closed timeout is the contract.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds how long a gate waits for a human decision.
const DefaultTimeout = 300 * time.Second

// Request asks named approvers to sign off on a gate.
type Request struct {
	RequestID   string    `json:"request_id"`
	RunID       string    `json:"run_id"`
	MissionID   string    `json:"mission_id"`
	GateName    string    `json:"gate_name"`
	Approvers   []string  `json:"approvers"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Response is one human decision.
type Response struct {
	Approved   bool      `json:"approved"`
	ApproverID string    `json:"approver_id"`
	DecidedAt  time.Time `json:"decided_at"`
	Reason     string    `json:"reason,omitempty"`
}

// Broker delivers approval requests and blocks for their responses.
type Broker interface {
	Request(ctx context.Context, req Request) (*Response, error)
}

// MemoryBroker is an in-process broker: requests park in a pending table
// until Resolve is called or the timeout fires. Used by tests and by the
// CLI's interactive mode.
type MemoryBroker struct {
	mu      sync.Mutex
	pending map[string]pendingReq
	timeout time.Duration
	clock   func() time.Time
	logger  *slog.Logger
}

type pendingReq struct {
	req Request
	ch  chan Response
}

// NewMemoryBroker creates a broker with the default decision window.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		pending: make(map[string]pendingReq),
		timeout: DefaultTimeout,
		clock:   time.Now,
		logger:  slog.Default().With("component", "approval"),
	}
}

// WithTimeout overrides the decision window.
func (b *MemoryBroker) WithTimeout(d time.Duration) *MemoryBroker {
	b.timeout = d
	return b
}

// WithClock overrides the clock for deterministic testing.
func (b *MemoryBroker) WithClock(clock func() time.Time) *MemoryBroker {
	b.clock = clock
	return b
}

// Request parks req until a decision arrives or the window closes. Timeout
// and context cancellation both resolve to a denial, never an open wait.
func (b *MemoryBroker) Request(ctx context.Context, req Request) (*Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = b.clock().UTC()
	}

	ch := make(chan Response, 1)
	b.mu.Lock()
	b.pending[req.RequestID] = pendingReq{req: req, ch: ch}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, req.RequestID)
		b.mu.Unlock()
	}()

	b.logger.Info("approval requested",
		"request_id", req.RequestID, "gate", req.GateName, "approvers", req.Approvers)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return &resp, nil
	case <-timer.C:
		return &Response{
			Approved:  false,
			DecidedAt: b.clock().UTC(),
			Reason:    fmt.Sprintf("no decision within %s; denied", b.timeout),
		}, nil
	case <-ctx.Done():
		return &Response{
			Approved:  false,
			DecidedAt: b.clock().UTC(),
			Reason:    "run cancelled while awaiting approval; denied",
		}, nil
	}
}

// Resolve delivers a decision for a pending request.
func (b *MemoryBroker) Resolve(requestID string, resp Response) error {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("approval: no pending request %q", requestID)
	}
	if resp.DecidedAt.IsZero() {
		resp.DecidedAt = b.clock().UTC()
	}
	p.ch <- resp
	return nil
}

// Pending lists requests currently awaiting decisions.
func (b *MemoryBroker) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	return out
}
