package a2a

import "github.com/codespin-ai/shaman/pkg/models"

// StateOfRun projects an internal run status onto the external task
// state. BLOCKED_ON_DEPENDENCY shows as working because the run is
// still making progress through its children, and CANCELING already
// shows as canceled so clients stop submitting follow-ups.
func StateOfRun(status models.RunStatus) TaskState {
	switch status {
	case models.RunStatusSubmitted:
		return StateSubmitted
	case models.RunStatusWorking, models.RunStatusBlocked:
		return StateWorking
	case models.RunStatusInputRequired:
		return StateInputRequired
	case models.RunStatusCompleted:
		return StateCompleted
	case models.RunStatusFailed:
		return StateFailed
	case models.RunStatusCanceled, models.RunStatusCanceling:
		return StateCanceled
	case models.RunStatusRejected:
		return StateRejected
	default:
		return StateSubmitted
	}
}

// StateOfStep projects a step status onto the external task state, for
// tasks backed by a non-root step (internal recursion).
func StateOfStep(status models.StepStatus) TaskState {
	switch status {
	case models.StepStatusQueued:
		return StateSubmitted
	case models.StepStatusWorking, models.StepStatusBlocked:
		return StateWorking
	case models.StepStatusInputRequired:
		return StateInputRequired
	case models.StepStatusCompleted:
		return StateCompleted
	case models.StepStatusFailed:
		return StateFailed
	case models.StepStatusCanceled:
		return StateCanceled
	default:
		return StateSubmitted
	}
}

// RoleOf maps an internal message role onto the A2A role vocabulary.
// TOOL messages surface as agent turns; callers that need tool detail
// read the step's tool-call records instead.
func RoleOf(role models.MessageRole) string {
	switch role {
	case models.MessageRoleUser:
		return RoleUser
	case models.MessageRoleSystem:
		return RoleSystem
	default:
		return RoleAgent
	}
}
