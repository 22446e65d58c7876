package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tandemdev/tandem-core/appserver"
	"github.com/tandemdev/tandem-core/config"
	"github.com/tandemdev/tandem-core/history"
	"github.com/tandemdev/tandem-core/logger"
)

// eventBuffer sizes each conversation's outward event channel.
const eventBuffer = 64

// decisionBuffer sizes each conversation's routed decision channel.
const decisionBuffer = 16

// backend bundles the live pieces built on top of one agent connection.
// done is closed when the backend is torn down, stopping its decision
// dispatcher.
type backend struct {
	driver     *appserver.TurnDriver
	correlator *appserver.Correlator
	alive      func() bool
	close      func()
	done       chan struct{}
}

// backendFactory builds a backend. Swapped out in tests.
type backendFactory func(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backend, error)

// newAgentBackend spawns the agent process and wires the transport,
// turn driver, and permission correlator over it. Server requests are
// pumped into the correlator until the stream closes, at which point all
// pending decisions are dropped without replies.
func newAgentBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backend, error) {
	conn, err := appserver.Connect(ctx, appserver.ProcessConfig{
		Command:    cfg.AgentCommand,
		Args:       cfg.AgentArgs,
		WorkingDir: cfg.WorkingDir,
	}, cfg.CallTimeout.Std())
	if err != nil {
		return nil, err
	}

	tr := conn.Transport()
	correlator := appserver.NewCorrelator(tr, cfg.ApprovalTimeout.Std(), log)

	go func() {
		for msg := range tr.SubscribeServerRequests() {
			correlator.Handle(msg)
		}
		correlator.CancelAll()
	}()

	done := make(chan struct{})
	var closeOnce sync.Once
	return &backend{
		driver:     appserver.NewTurnDriver(tr, cfg.CallTimeout.Std(), log),
		correlator: correlator,
		alive:      conn.IsRunning,
		close: func() {
			closeOnce.Do(func() { close(done) })
			conn.Close()
		},
		done: done,
	}, nil
}

// Service drives conversations for web callers over one shared agent
// connection. The connection is started lazily on the first turn and
// rebuilt if the agent process dies.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	guardrail Guardrail
	memory    MemoryStore
	history   HistoryStore
	budget    BudgetTracker

	newBackend backendFactory

	mu      sync.Mutex
	backend *backend

	// decSubs routes decision events to the conversation owning each
	// thread, so one tenant's approval request can never surface in
	// another tenant's stream.
	decMu   sync.Mutex
	decSubs map[string]chan appserver.Event

	registry *Registry
}

// Option configures a Service.
type Option func(*Service)

// WithGuardrail installs a prompt guardrail.
func WithGuardrail(g Guardrail) Option {
	return func(s *Service) { s.guardrail = g }
}

// WithMemoryStore installs a memory store.
func WithMemoryStore(m MemoryStore) Option {
	return func(s *Service) { s.memory = m }
}

// WithHistoryStore installs a history store.
func WithHistoryStore(h HistoryStore) Option {
	return func(s *Service) { s.history = h }
}

// WithBudgetTracker installs a budget tracker.
func WithBudgetTracker(b BudgetTracker) Option {
	return func(s *Service) { s.budget = b }
}

// New creates a service. Collaborators default to no-ops except history,
// which defaults to the file-backed store.
func New(cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		cfg:        cfg,
		log:        logger.WithComponent("orchestrator"),
		guardrail:  nopGuardrail{},
		memory:     nopMemory{},
		history:    history.NewStore(),
		budget:     nopBudget{},
		newBackend: newAgentBackend,
		decSubs:    make(map[string]chan appserver.Event),
		registry:   NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Conversations returns a snapshot of all known conversations.
func (s *Service) Conversations() []ConversationState {
	return s.registry.Snapshot()
}

// Close shuts down the agent connection if one is running.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != nil {
		s.backend.close()
		s.backend = nil
	}
}

// SubmitDecision resolves a pending permission request by its correlation
// id. Returns false when the id is unknown, already resolved, or no agent
// is running.
func (s *Service) SubmitDecision(correlationID string, decision appserver.Decision) bool {
	s.mu.Lock()
	be := s.backend
	s.mu.Unlock()
	if be == nil {
		return false
	}
	return be.correlator.Resolve(correlationID, decision)
}

// InterruptConversation stops the in-flight turn of a conversation, if
// any. Best effort.
func (s *Service) InterruptConversation(tenant, project string) {
	s.mu.Lock()
	be := s.backend
	s.mu.Unlock()
	if be == nil {
		return
	}

	st, ok := s.registry.Get(Key{Tenant: tenant, Project: project})
	if !ok || !st.Active {
		return
	}
	be.driver.Interrupt(st.ThreadID, st.TurnID)
}

// ensureBackend returns a live backend, starting or restarting the agent
// process as needed.
func (s *Service) ensureBackend(ctx context.Context) (*backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend != nil && s.backend.alive() {
		return s.backend, nil
	}
	if s.backend != nil {
		s.log.Warn("agent connection is down, restarting")
		s.backend.close()
		s.backend = nil
	}

	be, err := s.newBackend(ctx, s.cfg, s.log)
	if err != nil {
		return nil, err
	}
	go s.dispatchDecisions(be)
	s.backend = be
	return be, nil
}

// subscribeDecisions registers a conversation as the recipient of decision
// events for its thread.
func (s *Service) subscribeDecisions(threadID string) chan appserver.Event {
	ch := make(chan appserver.Event, decisionBuffer)
	s.decMu.Lock()
	s.decSubs[threadID] = ch
	s.decMu.Unlock()
	return ch
}

func (s *Service) unsubscribeDecisions(threadID string) {
	s.decMu.Lock()
	delete(s.decSubs, threadID)
	s.decMu.Unlock()
}

// routeDecision picks the conversation channel for a decision event. An
// event naming no thread goes to the only live conversation, if there is
// exactly one; anything else is unroutable.
func (s *Service) routeDecision(dec appserver.Event) (chan appserver.Event, bool) {
	s.decMu.Lock()
	defer s.decMu.Unlock()
	if dec.SessionID != "" {
		ch, ok := s.decSubs[dec.SessionID]
		return ch, ok
	}
	if len(s.decSubs) == 1 {
		for _, ch := range s.decSubs {
			return ch, true
		}
	}
	return nil, false
}

// dispatchDecisions delivers decision events from the shared correlator to
// the conversation owning each request's thread. A request no live
// conversation can receive is denied on the spot, so the agent always gets
// an answer and the request never leaks into a later conversation's stream.
func (s *Service) dispatchDecisions(be *backend) {
	for {
		select {
		case dec := <-be.correlator.Events():
			if ch, ok := s.routeDecision(dec); ok {
				select {
				case ch <- dec:
					continue
				default:
					s.log.Warn("conversation not draining decisions", "thread", dec.SessionID)
				}
			} else {
				s.log.Warn("denying decision request with no live conversation",
					"correlationID", dec.CorrelationID, "thread", dec.SessionID)
			}
			be.correlator.Resolve(dec.CorrelationID, appserver.Decision{
				Action:  appserver.DecisionDeny,
				Message: "conversation no longer active",
			})
		case <-be.done:
			return
		}
	}
}

// Converse runs one turn of a conversation and returns its event stream.
// The stream carries zero or more progress events and always ends with
// exactly one terminal event (completed or a fatal error), after which
// the channel closes.
func (s *Service) Converse(ctx context.Context, tenant, project, prompt string) (<-chan appserver.Event, error) {
	if tenant == "" || project == "" {
		return nil, fmt.Errorf("tenant and project must not be empty")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt must not be empty")
	}

	ch := make(chan appserver.Event, eventBuffer)
	go s.converse(ctx, ch, tenant, project, prompt)
	return ch, nil
}

func (s *Service) converse(ctx context.Context, ch chan<- appserver.Event, tenant, project, prompt string) {
	defer close(ch)

	log := s.log.With("tenant", tenant, "project", project)
	key := Key{Tenant: tenant, Project: project}

	// send delivers an event, dropping it only if the consumer has gone
	// away and its buffer is full.
	send := func(ev appserver.Event) {
		select {
		case ch <- ev:
		case <-ctx.Done():
			select {
			case ch <- ev:
			default:
				log.Warn("dropping event for departed consumer", "type", ev.Type)
			}
		}
	}
	fail := func(msg string) {
		log.Error("turn failed", "error", msg)
		send(appserver.Event{Type: appserver.EventError, Message: msg, Fatal: true})
	}

	be, err := s.ensureBackend(ctx)
	if err != nil {
		fail(fmt.Sprintf("agent unavailable: %v", err))
		return
	}

	verdict, err := s.guardrail.Check(ctx, prompt)
	if err != nil {
		fail(fmt.Sprintf("guardrail check failed: %v", err))
		return
	}
	if verdict.Blocked {
		log.Warn("prompt blocked by guardrail", "reason", verdict.Reason, "triggers", verdict.Triggers)
		fail(fmt.Sprintf("prompt blocked: %s", verdict.Reason))
		return
	}
	clean := verdict.Sanitized
	if clean == "" {
		clean = prompt
	}

	snippets, err := s.memory.Recall(ctx, tenant, project, clean)
	if err != nil {
		log.Warn("memory recall failed, continuing without context", "error", err)
		snippets = nil
	}
	full := buildPrompt(snippets, clean)

	threadID, resumed, err := be.driver.EnsureThread(ctx, s.registry.ThreadID(key), s.cfg.EffectiveWorkingDir(project))
	if err != nil {
		fail(fmt.Sprintf("failed to open agent thread: %v", err))
		return
	}
	s.registry.SetThread(key, threadID)
	log = log.With("threadID", threadID)
	log.Info("turn starting", "resumed", resumed)

	send(appserver.Event{Type: appserver.EventSessionStarted, SessionID: threadID})

	// Register for this thread's decision events before the turn starts so
	// an approval request racing the turn/start reply still finds us.
	decisions := s.subscribeDecisions(threadID)
	defer s.unsubscribeDecisions(threadID)

	turnCtx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout.Std())
	defer cancel()

	handle, err := be.driver.StartTurn(turnCtx, threadID, full)
	if err != nil {
		fail(fmt.Sprintf("failed to start turn: %v", err))
		return
	}
	s.registry.BeginTurn(key, handle.TurnID())
	defer s.registry.EndTurn(key)

	tf := appserver.NewTransformer(log)
	var (
		finalText string
		usage     appserver.UsageStats
		completed bool
		deadline  = turnCtx.Done()
	)

stream:
	for {
		select {
		case msg, ok := <-handle.Notifications():
			if !ok {
				break stream
			}
			s.registry.SetTurnID(key, handle.TurnID())
			for _, ev := range tf.Transform(msg) {
				if ev.SessionID == "" {
					ev.SessionID = threadID
				}
				switch ev.Type {
				case appserver.EventCompleted:
					completed = true
					finalText = ev.FinalText
				case appserver.EventUsage:
					if ev.Usage != nil {
						usage = *ev.Usage
						s.registry.SetUsage(key, *ev.Usage)
					}
				}
				send(ev)
			}

		case dec := <-decisions:
			dec.SessionID = threadID
			send(dec)

		case <-deadline:
			log.Warn("turn deadline reached, interrupting")
			be.driver.Interrupt(threadID, handle.TurnID())
			// Keep draining so the terminal notification still arrives.
			deadline = nil
		}
	}

	if !completed {
		msg := "agent stream ended before the turn completed"
		if err := handle.Err(); err != nil {
			msg = fmt.Sprintf("turn aborted: %v", err)
		}
		fail(msg)
		return
	}

	log.Info("turn completed", "turnID", handle.TurnID())
	s.persistTurn(tenant, project, threadID, prompt, finalText, usage)
}

// persistTurn records the exchange with the history, memory, and budget
// collaborators. All three run detached and best effort so slow or
// failing storage never blocks the event stream.
func (s *Service) persistTurn(tenant, project, threadID, prompt, finalText string, usage appserver.UsageStats) {
	now := time.Now().UTC()
	records := []history.Record{
		{Timestamp: now, Role: "user", Text: prompt},
		{
			Timestamp:    now,
			Role:         "assistant",
			Text:         finalText,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		},
	}

	go func() {
		if err := s.history.Append(threadID, records); err != nil {
			s.log.Warn("failed to persist history", "threadID", threadID, "error", err)
		}
	}()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.memory.Store(ctx, tenant, project, records); err != nil {
			s.log.Warn("failed to store memory", "tenant", tenant, "error", err)
		}
	}()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.budget.Record(ctx, tenant, usage); err != nil {
			s.log.Warn("failed to record budget", "tenant", tenant, "error", err)
		}
	}()
}

// buildPrompt prepends recalled memory snippets to the prompt.
func buildPrompt(snippets []string, prompt string) string {
	if len(snippets) == 0 {
		return prompt
	}
	var sb strings.Builder
	sb.WriteString("Relevant context from earlier conversations:\n")
	for _, snippet := range snippets {
		sb.WriteString("- ")
		sb.WriteString(snippet)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(prompt)
	return sb.String()
}
