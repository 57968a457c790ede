package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codespin-ai/shaman/pkg/a2a"
	"github.com/codespin-ai/shaman/pkg/models"
)

// waitTimeout bounds every eventually-style assertion. Generous on
// purpose: queue redelivery backoff can add a few seconds.
const waitTimeout = 30 * time.Second

// sendText submits a non-blocking message/send for the named agent and
// requires a task back.
func sendText(t *testing.T, client *a2a.Client, agentName, text string) *a2a.Task {
	t.Helper()
	ev, err := client.SendMessage(context.Background(), a2a.SendParams{
		Message:  a2a.NewTextMessage(a2a.RoleUser, text),
		Metadata: map[string]any{a2a.MetaAgent: agentName},
	})
	require.NoError(t, err)
	require.NotNil(t, ev.Task, "message/send should return a task")
	return ev.Task
}

// sendBlocking submits a blocking send and returns the terminal task.
func sendBlocking(t *testing.T, client *a2a.Client, agentName, text string) *a2a.Task {
	t.Helper()
	ev, err := client.SendMessage(context.Background(), a2a.SendParams{
		Message:       a2a.NewTextMessage(a2a.RoleUser, text),
		Configuration: &a2a.SendConfiguration{Blocking: true},
		Metadata:      map[string]any{a2a.MetaAgent: agentName},
	})
	require.NoError(t, err)
	require.NotNil(t, ev.Task)
	return ev.Task
}

// waitForState polls tasks/get until the task reaches one of the wanted
// states. Reaching a different terminal state fails immediately.
func waitForState(t *testing.T, client *a2a.Client, taskID string, want ...a2a.TaskState) *a2a.Task {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	var last *a2a.Task
	for time.Now().Before(deadline) {
		task, err := client.GetTask(context.Background(), taskID)
		require.NoError(t, err)
		last = task
		for _, state := range want {
			if task.Status.State == state {
				return task
			}
		}
		if task.Status.State.IsTerminal() {
			t.Fatalf("task %s settled in %q while waiting for %v (error: %s)",
				taskID, task.Status.State, want, taskError(task))
		}
		time.Sleep(100 * time.Millisecond)
	}
	state := a2a.TaskState("<none>")
	if last != nil {
		state = last.Status.State
	}
	t.Fatalf("task %s did not reach %v within %s (last state %q)", taskID, want, waitTimeout, state)
	return nil
}

func taskError(task *a2a.Task) string {
	if task.Status.Message != nil {
		return task.Status.Message.Text()
	}
	return ""
}

// waitForCompleted is the common case.
func waitForCompleted(t *testing.T, client *a2a.Client, taskID string) *a2a.Task {
	t.Helper()
	return waitForState(t, client, taskID, a2a.StateCompleted)
}

// runSteps lists every step of the run that backs the given root task.
func (a *TestApp) runSteps(t *testing.T, orgID, runID string) []*models.Step {
	t.Helper()
	steps, err := a.Store.Steps.ListSteps(context.Background(), orgID, runID, models.StepFilters{})
	require.NoError(t, err)
	return steps
}

// stepsOfType filters a step listing by type.
func stepsOfType(steps []*models.Step, stepType models.StepType) []*models.Step {
	var out []*models.Step
	for _, s := range steps {
		if s.Type == stepType {
			out = append(out, s)
		}
	}
	return out
}

// stepForAgent finds the first step executing the named agent.
func stepForAgent(steps []*models.Step, agentName string, stepType models.StepType) *models.Step {
	for _, s := range steps {
		if s.Type == stepType && s.AgentName == agentName {
			return s
		}
	}
	return nil
}

// historyText concatenates the task history's text for containment
// checks.
func historyText(task *a2a.Task) string {
	var out string
	for _, m := range task.History {
		out += m.Text() + "\n"
	}
	return out
}

// agentHistoryText concatenates only the agent-role turns.
func agentHistoryText(task *a2a.Task) string {
	var out string
	for _, m := range task.History {
		if m.Role == a2a.RoleAgent {
			out += m.Text() + "\n"
		}
	}
	return out
}

// seedAgent builds a registry row for a scripted agent. Callers mutate
// the returned definition before passing it to WithAgents.
func seedAgent(name string) *models.AgentDefinition {
	return &models.AgentDefinition{
		Name:         name,
		Description:  name + " (e2e)",
		SystemPrompt: "You are " + name + ".",
		ContextScope: models.ContextScopeNone,
		Exposed:      true,
	}
}
