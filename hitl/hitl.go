// Package hitl implements the human-in-the-loop boundary the core assumes
// (spec.md section 1: "the core only assumes a HitlService with a small
// interface"): creating review/escalation requests, listing pending human
// tasks, and resolving a request once an operator or assigned human acts
// on it.
//
// Grounded on runtime/agent/interrupt/controller.go's
// PauseRequest/ResumeRequest/ClarificationAnswer shapes, adapted from a
// Temporal-signal controller to a synchronous service boundary: a flex
// run suspends by returning control to the Run Coordinator (raising
// flexerr.HitlPauseError or flexerr.AwaitingHumanInputError) rather than
// blocking in a workflow goroutine waiting on a signal channel, so there
// is no channel to receive from — resolution arrives later as an
// independent call into the service, driven by the coordinator's resume
// path.
package hitl

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type (
	// RequestStatus is a Request's lifecycle state.
	RequestStatus string

	// Request is one HITL request: either a clarification/review raised
	// by a HitlPauseError, or a human-assigned task raised by an
	// AwaitingHumanInputError. The fields mirror spec.md section 6's
	// hitl_request event payload: `{id, originAgent, payload, createdAt,
	// pendingNodeId?, operatorPrompt, contractSummary?}`.
	Request struct {
		ID               string
		RunID            string
		NodeID           string
		OriginCapability string
		OperatorPrompt   string
		Payload          map[string]any
		ContractSummary  map[string]any
		AssignedTo       string
		Role             string
		Status           RequestStatus
		CreatedAt        time.Time
		ResolvedAt       time.Time
		Resolution       *Resolution
	}

	// Resolution is the operator/human's response to a Request.
	Resolution struct {
		Answer     string
		Denied     bool
		Submission map[string]any
		ResolvedBy string
	}

	// PendingFilter narrows ListPending (spec.md section 6:
	// "a task-list endpoint returns pending human tasks filtered by
	// assignedTo|role|status").
	PendingFilter struct {
		AssignedTo string
		Role       string
		Status     RequestStatus
	}

	// Service is the HitlService boundary. Concrete backends (a ticketing
	// system, an operator console) implement this; InMemoryService is the
	// reference implementation used for local development and tests.
	Service interface {
		CreateRequest(ctx context.Context, req Request) (Request, error)
		Resolve(ctx context.Context, requestID string, resolution Resolution) (Request, error)
		Get(ctx context.Context, requestID string) (Request, bool, error)
		ListPending(ctx context.Context, filter PendingFilter) ([]Request, error)
	}

	// InMemoryService is a process-local Service, safe for concurrent
	// use. It does not survive a process restart; production deployments
	// back Service with a durable store.
	InMemoryService struct {
		mu       sync.Mutex
		requests map[string]Request
	}
)

const (
	StatusPending  RequestStatus = "pending"
	StatusResolved RequestStatus = "resolved"
	StatusDenied   RequestStatus = "denied"
)

// NewInMemoryService returns an empty InMemoryService.
func NewInMemoryService() *InMemoryService {
	return &InMemoryService{requests: make(map[string]Request)}
}

// CreateRequest stores req as pending, stamping CreatedAt and Status if
// unset.
func (s *InMemoryService) CreateRequest(_ context.Context, req Request) (Request, error) {
	if req.ID == "" {
		return Request{}, fmt.Errorf("hitl: request id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.requests[req.ID]; dup {
		return Request{}, fmt.Errorf("hitl: request %q already exists", req.ID)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if req.Status == "" {
		req.Status = StatusPending
	}
	s.requests[req.ID] = req
	return req, nil
}

// Resolve records resolution against requestID, transitioning its status
// to denied or resolved.
func (s *InMemoryService) Resolve(_ context.Context, requestID string, resolution Resolution) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return Request{}, fmt.Errorf("hitl: no request %q", requestID)
	}
	resolutionCopy := resolution
	req.Resolution = &resolutionCopy
	req.ResolvedAt = time.Now()
	if resolution.Denied {
		req.Status = StatusDenied
	} else {
		req.Status = StatusResolved
	}
	s.requests[requestID] = req
	return req, nil
}

// Get returns the request by id, if known.
func (s *InMemoryService) Get(_ context.Context, requestID string) (Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	return req, ok, nil
}

// ListPending returns every request in filter.Status (pending when unset)
// that matches filter. An empty AssignedTo or Role matches any value.
func (s *InMemoryService) ListPending(_ context.Context, filter PendingFilter) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := filter.Status
	if status == "" {
		status = StatusPending
	}
	var out []Request
	for _, req := range s.requests {
		if req.Status != status {
			continue
		}
		if filter.AssignedTo != "" && req.AssignedTo != filter.AssignedTo {
			continue
		}
		if filter.Role != "" && req.Role != filter.Role {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// ResolutionTracker suppresses duplicate hitl_resolved emissions for a
// single run invocation (spec.md section 9: "the coordinator tracks
// emittedHitlResolutions per run to suppress duplicate hitl_resolved
// emissions; represent as a set keyed by request id scoped to the run
// task").
type ResolutionTracker struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewResolutionTracker returns an empty tracker, scoped to one run
// invocation.
func NewResolutionTracker() *ResolutionTracker {
	return &ResolutionTracker{seen: make(map[string]bool)}
}

// MarkEmitted reports whether requestID's hitl_resolved event has not yet
// been emitted this run-invocation, atomically marking it emitted on the
// first (true) call.
func (t *ResolutionTracker) MarkEmitted(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen[requestID] {
		return false
	}
	t.seen[requestID] = true
	return true
}
