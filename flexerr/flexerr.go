// Package flexerr defines the closed set of control-flow and terminal error
// types used by the orchestration runtime. The Run Coordinator's main loop
// is a single type switch over these errors (see spec.md section 9,
// "Error taxonomy": use a result/sum type for each control-flow signal
// rather than exception subclassing).
package flexerr

import "fmt"

// ReplanRequestedError signals that the Execution Engine wants the Run
// Coordinator to request a new plan. It is an internal control-flow signal,
// never surfaced to the caller directly (the coordinator translates it into
// policy_triggered/plan_updated events).
type ReplanRequestedError struct {
	// Reason identifies why a re-plan was requested, e.g.
	// "routing_no_match", "post_condition_failed", "runtime_policy".
	Reason string
	// NodeID is the node that triggered the re-plan, when applicable.
	NodeID string
}

func (e *ReplanRequestedError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("flexrun: replan requested (%s) at node %q", e.Reason, e.NodeID)
	}
	return fmt.Sprintf("flexrun: replan requested (%s)", e.Reason)
}

// HitlPauseError signals that a node requires human-in-the-loop review
// before the run may continue. The coordinator persists the run as
// awaiting_hitl and returns without emitting a complete event.
type HitlPauseError struct {
	// RequestID is the HITL request the caller must resolve to resume the run.
	RequestID string
	NodeID    string
	Reason    string
}

func (e *HitlPauseError) Error() string {
	return fmt.Sprintf("flexrun: hitl pause requested (request %s, node %s): %s", e.RequestID, e.NodeID, e.Reason)
}

// RunPausedError is a generic pause signal not tied to a specific HITL
// request (e.g. an operator-initiated pause). Treated identically to
// HitlPauseError by the coordinator.
type RunPausedError struct {
	Reason string
}

func (e *RunPausedError) Error() string {
	return fmt.Sprintf("flexrun: run paused: %s", e.Reason)
}

// AwaitingHumanInputError signals that a node is assigned to a human agent
// and the run must suspend until a resumeSubmission is supplied.
type AwaitingHumanInputError struct {
	NodeID       string
	CapabilityID string
	AssignedTo   string
}

func (e *AwaitingHumanInputError) Error() string {
	return fmt.Sprintf("flexrun: awaiting human input at node %q (assigned to %q)", e.NodeID, e.AssignedTo)
}

// GoalConditionResult is one evaluated goal_condition entry.
type GoalConditionResult struct {
	Facet          string
	Path           string
	Expression     string
	Satisfied      bool
	ObservedValue  any
	Error          string
}

// GoalConditionFailedError signals that one or more goal conditions failed
// after a plan finished executing. The coordinator treats this as a re-plan
// signal, carrying the provisional final output so it can be discarded or
// reused by the next planner attempt.
type GoalConditionFailedError struct {
	Results           []GoalConditionResult
	Failed            []GoalConditionResult
	ProvisionalOutput map[string]any
}

func (e *GoalConditionFailedError) Error() string {
	return fmt.Sprintf("flexrun: %d goal condition(s) failed", len(e.Failed))
}

// RuntimePolicyFailureError signals that a runtime policy's "fail" action
// fired. The coordinator turns this into a terminal failed run.
type RuntimePolicyFailureError struct {
	PolicyID string
	Message  string
}

func (e *RuntimePolicyFailureError) Error() string {
	return fmt.Sprintf("flexrun: runtime policy %q failed run: %s", e.PolicyID, e.Message)
}

// FlexValidationError signals that an envelope, plan, or final output
// failed schema/contract validation. The coordinator turns this into a
// terminal failed run, preceded by a validation_error event.
type FlexValidationError struct {
	Stage  string // e.g. "envelope", "node_output", "final_output"
	NodeID string
	Errors []string
}

func (e *FlexValidationError) Error() string {
	return fmt.Sprintf("flexrun: validation failed at %s: %v", e.Stage, e.Errors)
}
