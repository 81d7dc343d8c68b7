// Package supervisor wires the Agent Gateway, Oracle Client, Session
// Tracker, Usage Accountant, Rule Evaluator, Enforcement Planner, Action
// Dispatcher, Journal, and Control API into one running system (§5): a
// per-agent run queue serializes every event so usage advance, rule
// evaluation, and intent generation stay atomic per agent while different
// agents advance fully in parallel.
package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"guardloop/internal/accounting"
	"guardloop/internal/clockutil"
	"guardloop/internal/config"
	"guardloop/internal/controlapi"
	"guardloop/internal/dispatch"
	"guardloop/internal/gateway"
	"guardloop/internal/journal"
	"guardloop/internal/model"
	"guardloop/internal/oracle"
	"guardloop/internal/planner"
	"guardloop/internal/rules"
	"guardloop/internal/session"
	"guardloop/pkg/logger"
)

// Supervisor owns the event loop: every Gateway/Tracker/Oracle event is
// enqueued onto the agent-scoped queue and processed by exactly one of
// the pipeline methods below.
type Supervisor struct {
	store      *config.Store
	gw         *gateway.Gateway
	oracle     *oracle.Client
	tracker    *session.Tracker
	accountant *accounting.Accountant
	evaluator  *rules.Evaluator
	planner    *planner.Planner
	dispatcher *dispatch.Dispatcher
	journal    *journal.Journal
	api        *controlapi.API
	clock      clockutil.Clock
	queue      *AgentQueue

	mu       sync.Mutex
	schedule map[string][]clockutil.Timer // agentID -> armed ScheduledItem timers

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Deps bundles every component a Supervisor wires together. All fields
// except Clock are required; a nil Clock means the system clock.
type Deps struct {
	Store      *config.Store
	Gateway    *gateway.Gateway
	Oracle     *oracle.Client
	Tracker    *session.Tracker
	Accountant *accounting.Accountant
	Evaluator  *rules.Evaluator
	Planner    *planner.Planner
	Dispatcher *dispatch.Dispatcher
	Journal    *journal.Journal
	API        *controlapi.API
	Clock      clockutil.Clock
}

// New builds a Supervisor over deps, defaulting unset queue parameters
// (64-deep lanes, 5-minute idle eviction — see agentqueue.go).
func New(deps Deps) *Supervisor {
	clock := deps.Clock
	if clock == nil {
		clock = clockutil.System{}
	}
	return &Supervisor{
		store:      deps.Store,
		gw:         deps.Gateway,
		oracle:     deps.Oracle,
		tracker:    deps.Tracker,
		accountant: deps.Accountant,
		evaluator:  deps.Evaluator,
		planner:    deps.Planner,
		dispatcher: deps.Dispatcher,
		journal:    deps.Journal,
		api:        deps.API,
		clock:      clock,
		queue:      NewAgentQueue(64, 5*time.Minute),
		schedule:   make(map[string][]clockutil.Timer),
	}
}

// Run starts every background consumer goroutine and blocks until ctx is
// cancelled or Shutdown is called.
func (s *Supervisor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.spawn(func() { s.consumeDiscovered(ctx) })
	s.spawn(func() { s.consumeTelemetry(ctx) })
	s.spawn(func() { s.consumeActionResponses(ctx) })
	s.spawn(func() { s.consumeOnline(ctx) })
	s.spawn(func() { s.consumeOffline(ctx) })
	s.spawn(func() { s.consumeTrackerEnded(ctx) })
	s.spawn(func() { s.consumeOracleStateChange(ctx) })
	s.spawn(func() { s.runOfflineSweep(ctx) })

	<-ctx.Done()
}

func (s *Supervisor) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Shutdown stops the event loop and drains the run queue.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return s.queue.Shutdown(ctx)
}

func (s *Supervisor) consumeDiscovered(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case agent, ok := <-s.gw.Discovered():
			if !ok {
				return
			}
			logger.Info().Str("agent_id", agent.ID).Str("hostname", agent.Hostname).Msg("agent discovered")
		}
	}
}

func (s *Supervisor) consumeOnline(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case agentID, ok := <-s.gw.Online():
			if !ok {
				return
			}
			s.journal.RecordActivity(model.ActivityEvent{Kind: model.ActivityAgentOnline, AgentID: agentID, At: s.clock.Now()})
		}
	}
}

func (s *Supervisor) consumeOffline(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case agentID, ok := <-s.gw.Offline():
			if !ok {
				return
			}
			s.handleOffline(agentID)
		}
	}
}

// handleOffline records the offline transition and cancels agentID's
// pending Scheduled timers and logout grace, exactly like unlink/disable/
// oracle stateChange — a timer firing against a host that can no longer
// receive the action is pointless. runOfflineSweep cancels the same timers
// earlier, once the telemetry gap passes the 2x reportInterval cutoff (§5).
func (s *Supervisor) handleOffline(agentID string) {
	s.journal.RecordActivity(model.ActivityEvent{Kind: model.ActivityAgentOffline, AgentID: agentID, At: s.clock.Now()})
	s.CancelSchedule(agentID)
}

func (s *Supervisor) consumeActionResponses(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-s.gw.ActionResponses():
			if !ok {
				return
			}
			if resp.ActionID == model.ActionLogout && resp.Success {
				s.planner.MarkLoggingOut(resp.AgentID)
			}
		}
	}
}

// consumeTrackerEnded flushes nothing on its own — the Accountant's next
// Advance call naturally starts a fresh cell for the new (agent, child)
// pair — but it does record the session boundary in the activity log so
// the parent UI's timeline shows the handoff.
func (s *Supervisor) consumeTrackerEnded(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case prior, ok := <-s.tracker.Ended():
			if !ok {
				return
			}
			s.journal.RecordActivity(model.ActivityEvent{
				Kind:    model.ActivitySessionUpdate,
				AgentID: prior.AgentID,
				Detail:  "session ended: " + prior.Username,
				At:      s.clock.Now(),
			})
		}
	}
}

func (s *Supervisor) consumeOracleStateChange(ctx context.Context) {
	ch := s.oracle.StateChange()
	for {
		select {
		case <-ctx.Done():
			return
		case verdict, ok := <-ch:
			if !ok {
				return
			}
			// A pushed verdict change re-runs the quota pipeline for every
			// agent bound to that child, since the child's remaining time
			// just moved independent of any telemetry tick.
			for _, ag := range s.gw.ListAgents() {
				if ag.Bound && ag.ChildID == verdict.ChildID {
					agentID := ag.ID
					s.enqueue(ctx, agentID, func(ctx context.Context) error {
						return s.runQuotaPipeline(ctx, agentID, verdict.ChildID)
					})
				}
			}
		}
	}
}

// runOfflineSweep periodically cancels the timers of every agent silent
// for more than 2x the report interval, and marks agents stale per §4.1's
// 3x-report-interval rule, since an agent can stop reporting without ever
// sending a disconnect.
func (s *Supervisor) runOfflineSweep(ctx context.Context) {
	interval := s.store.Snapshot().Settings.ReportInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := s.clock.NewTimer(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			settings := s.store.Snapshot().Settings
			now := s.clock.Now()
			for _, ag := range s.gw.ListAgents() {
				if now.Sub(ag.LastSeenAt) > settings.TimerCancelAfter() {
					s.CancelSchedule(ag.ID)
				}
			}
			s.gw.MarkOfflineStale(settings.OfflineAfter(), now)
			ticker.Reset(settings.ReportInterval())
		}
	}
}

func (s *Supervisor) enqueue(ctx context.Context, agentID string, fn func(context.Context) error) {
	if _, err := s.queue.Enqueue(ctx, agentID, fn); err != nil {
		logger.Warn().Str("agent_id", agentID).Err(err).Msg("failed to enqueue agent task")
	}
}

// sessionPayload mirrors the session monitor's payload contract (§6).
type sessionPayload struct {
	Username  string `json:"username"`
	SessionID string `json:"sessionId"`
	LoginTime int64  `json:"loginTime"`
	IdleTime  int64  `json:"idleTime"`
}

// processPayload mirrors the process monitor's payload contract (§6).
type processPayload struct {
	Processes []struct {
		PID      int            `json:"pid"`
		Name     string         `json:"name"`
		Category model.Category `json:"category"`
	} `json:"processes"`
	Browsers []struct {
		PID         int    `json:"pid"`
		Name        string `json:"name"`
		BrowserName string `json:"browserName"`
	} `json:"browsers"`
}

func (s *Supervisor) consumeTelemetry(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.gw.Telemetry():
			if !ok {
				return
			}
			event := ev
			agentID := event.AgentID
			s.enqueue(ctx, agentID, func(ctx context.Context) error {
				return s.handleTelemetry(ctx, event)
			})
		}
	}
}

func (s *Supervisor) handleTelemetry(ctx context.Context, ev gateway.TelemetryEvent) error {
	s.gw.Touch(ev.AgentID, s.clock.Now())

	switch ev.MonitorID {
	case model.MonitorSession:
		return s.handleSessionTick(ctx, ev)
	case model.MonitorProcess:
		return s.handleProcessTick(ctx, ev)
	}
	return nil
}

func (s *Supervisor) handleSessionTick(ctx context.Context, ev gateway.TelemetryEvent) error {
	var payload sessionPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return err
	}

	loginAt := ev.At
	if payload.LoginTime > 0 {
		loginAt = time.UnixMilli(payload.LoginTime)
	}

	sess, childID := s.tracker.Observe(ev.AgentID, payload.Username, payload.SessionID, loginAt, payload.IdleTime)
	s.gw.SetCurrentSession(ev.AgentID, &sess)

	if sess.Parental || childID == "" {
		return nil
	}

	return s.runQuotaPipeline(ctx, ev.AgentID, childID)
}

func (s *Supervisor) handleProcessTick(ctx context.Context, ev gateway.TelemetryEvent) error {
	var payload processPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return err
	}

	snapshot := &model.ProcessSnapshot{AgentID: ev.AgentID, At: ev.At}
	for _, p := range payload.Processes {
		snapshot.Processes = append(snapshot.Processes, model.ProcessInfo{PID: p.PID, Name: p.Name, Category: p.Category})
	}
	for _, b := range payload.Browsers {
		snapshot.Browsers = append(snapshot.Browsers, model.BrowserInfo{PID: b.PID, Name: b.Name, BrowserName: b.BrowserName})
	}

	s.accountant.ObserveProcessSnapshot(ev.AgentID, snapshot.HasBrowsers())
	s.dispatcher.ObserveBrowsers(ev.AgentID, snapshot.Browsers)

	agent, ok := s.gw.Agent(ev.AgentID)
	if !ok || !agent.Bound || !agent.Enabled {
		return nil
	}
	sess, hasSess := s.tracker.Current(ev.AgentID)
	if !hasSess || sess.Parental {
		return nil
	}

	child, ok := s.childFor(agent.ChildID)
	if !ok {
		return nil
	}

	settings := s.store.Snapshot().Settings
	ruleIntents, _ := s.evaluator.Evaluate(snapshot, child, s.clock.Now(), agent.FocusActive, settings.GracePeriodSec)
	ruleIntents = s.planner.SuppressRecentBlockProcess(ev.AgentID, ruleIntents, s.clock.Now())

	combined := planner.Combine(nil, ruleIntents)
	return s.dispatchAll(ctx, combined)
}

// runQuotaPipeline re-evaluates the §4.6 quota algorithm for (agentID,
// childID) and dispatches whatever the Planner decided, arming any
// Scheduled items as timers and replacing whatever was previously armed.
func (s *Supervisor) runQuotaPipeline(ctx context.Context, agentID, childID string) error {
	agent, ok := s.gw.Agent(agentID)
	if !ok || !agent.Enabled {
		return nil
	}
	sess, hasSess := s.tracker.Current(agentID)
	if hasSess && sess.Parental {
		return nil
	}

	now := s.clock.Now()
	settings := s.store.Snapshot().Settings
	s.accountant.AdvanceComputer(agentID, childID, now, hasSess && sess.IsIdle())
	s.accountant.AdvanceInternet(agentID, childID, now)
	hasBrowsers := s.accountant.HasBrowsers(agentID)
	child, _ := s.childFor(childID)

	decision, err := s.planner.EvaluateQuota(ctx, agentID, childID, child, now, settings.WarningTimes, hasBrowsers)
	if err != nil {
		return err
	}

	if decision.CancelPending {
		s.cancelScheduled(agentID)
		s.dispatcher.CancelLogout(agentID)
	}

	if err := s.dispatchAll(ctx, decision.Intents); err != nil {
		return err
	}

	s.armScheduled(agentID, decision.Scheduled)
	return nil
}

func (s *Supervisor) dispatchAll(ctx context.Context, intents []model.EnforcementIntent) error {
	for _, in := range intents {
		if err := s.dispatcher.Dispatch(ctx, in); err != nil {
			logger.Warn().Str("agent_id", in.AgentID).Str("kind", string(in.Kind)).Err(err).Msg("failed to dispatch intent")
		}
	}
	return nil
}

// armScheduled replaces agentID's previously armed ScheduledItem timers
// with items, since EvaluateQuota recomputes the full schedule fresh on
// every tick (the old deadlines no longer apply once a new verdict has
// been read).
func (s *Supervisor) armScheduled(agentID string, items []planner.ScheduledItem) {
	s.cancelScheduled(agentID)
	if len(items) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		intent := item.Intent
		timer := s.clock.AfterFunc(item.Delay, func() {
			s.enqueue(context.Background(), agentID, func(ctx context.Context) error {
				return s.dispatcher.Dispatch(ctx, intent)
			})
		})
		s.schedule[agentID] = append(s.schedule[agentID], timer)
	}
}

// CancelSchedule cancels agentID's armed Scheduled-item timers and its
// pending dispatcher-side logout grace, satisfying controlapi.TimerCanceller
// so UnlinkAgent can reach into the Supervisor's private schedule map
// without either package importing the other's types for construction.
func (s *Supervisor) CancelSchedule(agentID string) {
	s.cancelScheduled(agentID)
	s.dispatcher.CancelLogout(agentID)
}

func (s *Supervisor) cancelScheduled(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, timer := range s.schedule[agentID] {
		timer.Stop()
	}
	delete(s.schedule, agentID)
}

func (s *Supervisor) childFor(childID string) (*model.Child, bool) {
	if childID == "" {
		return nil, false
	}
	child, ok := s.store.Snapshot().Children[childID]
	return child, ok
}
