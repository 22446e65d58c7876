package orchestrator

import (
	"context"

	"github.com/tandemdev/tandem-core/appserver"
	"github.com/tandemdev/tandem-core/history"
)

// GuardrailVerdict is the outcome of screening a prompt before it is sent
// to the agent.
type GuardrailVerdict struct {
	Sanitized string   // Prompt text to actually send; empty means use the original
	Blocked   bool     // True when the prompt must not reach the agent
	Reason    string   // Human-readable reason when blocked
	Triggers  []string // Names of the rules that fired
}

// Guardrail screens prompts before they reach the agent.
type Guardrail interface {
	Check(ctx context.Context, prompt string) (GuardrailVerdict, error)
}

// MemoryStore recalls context snippets for a new turn and stores the
// exchange afterwards.
type MemoryStore interface {
	Recall(ctx context.Context, tenant, project, prompt string) ([]string, error)
	Store(ctx context.Context, tenant, project string, records []history.Record) error
}

// HistoryStore persists conversation records. *history.Store satisfies it.
type HistoryStore interface {
	Append(threadID string, records []history.Record) error
	Load(threadID string) ([]history.Record, error)
}

// BudgetTracker records token spend per tenant.
type BudgetTracker interface {
	Record(ctx context.Context, tenant string, usage appserver.UsageStats) error
}

// Compile-time interface satisfaction check.
var _ HistoryStore = (*history.Store)(nil)

// nopGuardrail passes every prompt through unchanged.
type nopGuardrail struct{}

func (nopGuardrail) Check(ctx context.Context, prompt string) (GuardrailVerdict, error) {
	return GuardrailVerdict{Sanitized: prompt}, nil
}

// nopMemory recalls nothing and stores nothing.
type nopMemory struct{}

func (nopMemory) Recall(ctx context.Context, tenant, project, prompt string) ([]string, error) {
	return nil, nil
}

func (nopMemory) Store(ctx context.Context, tenant, project string, records []history.Record) error {
	return nil
}

// nopBudget discards usage reports.
type nopBudget struct{}

func (nopBudget) Record(ctx context.Context, tenant string, usage appserver.UsageStats) error {
	return nil
}
