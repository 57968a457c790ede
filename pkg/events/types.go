// Package events implements the run-event feed backing the A2A streaming
// surfaces (message/stream, tasks/resubscribe).
//
// Two delivery tiers share one PostgreSQL NOTIFY pipe:
//
//  1. Persistent events. Run and step status transitions, assistant
//     messages, and artifacts are INSERTed into the events table and
//     broadcast with pg_notify in the same transaction, so a subscriber
//     either finds the event in the table or receives the notification
//     (or both, deduplicated by id). The BIGSERIAL row id travels in the
//     NOTIFY payload as db_event_id and is the cursor a reconnecting
//     consumer resumes from.
//  2. Transient events. Executor progress ticks are pg_notify only. They
//     are lost on disconnect and never replayed.
//
// Every run has its own channel (see RunChannel). Each process holds one
// dedicated LISTEN connection (NotifyListener) that receives notifications
// for all subscribed channels and fans them out to in-process
// subscriptions through the SubscriberHub.
package events

// Persistent event types. Each is stored in the events table before the
// NOTIFY fires.
const (
	// EventTypeRunStatus marks a run status transition. The payload's
	// final flag tells streaming consumers to close after relaying it.
	EventTypeRunStatus = "run.status"

	// EventTypeStepStatus marks a step status transition, including step
	// creation (first transition into QUEUED or WORKING).
	EventTypeStepStatus = "step.status"

	// EventTypeRunMessage carries an assistant or tool message appended to
	// a step's conversation.
	EventTypeRunMessage = "run.message"

	// EventTypeRunArtifact carries an artifact assembled for the run,
	// published when the run completes.
	EventTypeRunArtifact = "run.artifact"
)

// Transient event types. Broadcast via NOTIFY without persistence.
const (
	// EventTypeRunProgress is an executor heartbeat (iteration counter,
	// current phase). High frequency, ephemeral.
	EventTypeRunProgress = "run.progress"
)

// Progress phases carried by run.progress events.
const (
	ProgressPhaseThinking       = "thinking"
	ProgressPhaseCallingTool    = "calling_tool"
	ProgressPhaseWaitingOnAgent = "waiting_on_agent"
)

// RunChannel returns the NOTIFY channel name for a run's event feed.
// Channel names are quoted identifiers on the LISTEN side, so the colon
// is safe.
func RunChannel(runID string) string {
	return "run:" + runID
}
