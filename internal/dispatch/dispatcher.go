// Package dispatch implements the Action Dispatcher (§4.7): translates
// enforcement intents into triggerAction calls, manages the warning
// ladder and at-most-one-per-agent grace timer, and records the
// violations/activity that follow from a successful action.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"guardloop/internal/clockutil"
	"guardloop/internal/gateway"
	"guardloop/internal/model"
	"guardloop/pkg/logger"
)

// warnArgs is the payload for action warn.
type warnArgs struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Urgency string `json:"urgency"`
}

// killArgs is the payload for action kill.
type killArgs struct {
	PID    int    `json:"pid"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// logoutArgs is the payload for action logout.
type logoutArgs struct {
	Reason string `json:"reason"`
}

// Sink receives the side effects of dispatch: callers (the Supervisor)
// wire these into the Journal.
type Sink interface {
	RecordViolation(model.Violation)
	RecordActivity(model.ActivityEvent)
}

// ActionTrigger is the Dispatcher's view of the Agent Gateway: just
// enough to send an action and await its response, so tests can
// substitute a fake transport without a real websocket Hub.
type ActionTrigger interface {
	TriggerAction(ctx context.Context, agentID string, actionID model.ActionID, args any) (<-chan gateway.ActionResponse, error)
}

// Dispatcher owns the at-most-one-logout-timer-per-agent invariant and
// the latest observed browser set per agent, needed to translate a
// bare BlockBrowsers intent into per-pid kill actions.
type Dispatcher struct {
	gw    ActionTrigger
	clock clockutil.Clock
	sink  Sink

	mu           sync.Mutex
	logoutTimers map[string]clockutil.Timer
	browsers     map[string][]model.BrowserInfo
}

// New builds a Dispatcher over gw, using clock for grace-timer scheduling
// and sink for violation/activity recording.
func New(gw ActionTrigger, clock clockutil.Clock, sink Sink) *Dispatcher {
	if clock == nil {
		clock = clockutil.System{}
	}
	return &Dispatcher{
		gw:           gw,
		clock:        clock,
		sink:         sink,
		logoutTimers: make(map[string]clockutil.Timer),
		browsers:     make(map[string][]model.BrowserInfo),
	}
}

// ObserveBrowsers records agentID's most recently seen browser list, the
// source BlockBrowsers translates into individual kill actions.
func (d *Dispatcher) ObserveBrowsers(agentID string, browsers []model.BrowserInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.browsers[agentID] = browsers
}

// Dispatch translates one intent into the corresponding triggerAction
// call(s), per §4.7's mapping table.
func (d *Dispatcher) Dispatch(ctx context.Context, intent model.EnforcementIntent) error {
	switch intent.Kind {
	case model.IntentWarning:
		return d.dispatchWarning(ctx, intent)
	case model.IntentBlockProcess:
		return d.dispatchBlockProcess(ctx, intent)
	case model.IntentBlockBrowser:
		return d.dispatchBlockBrowsers(ctx, intent)
	case model.IntentLock:
		return d.dispatchLock(ctx, intent)
	case model.IntentLogout:
		return d.dispatchLogout(ctx, intent)
	case model.IntentFocusApply, model.IntentFocusClear:
		// Focus intents send no agent action of their own: the Control
		// API's TriggerFocusMode sets the agent's FocusActive flag through
		// the Gateway, which is what the Rule Evaluator reads on its next
		// pass.
		d.recordActivity(intent.AgentID, model.ActivityIntentIssued, string(intent.Kind))
		return nil
	default:
		return fmt.Errorf("dispatch: unknown intent kind %q", intent.Kind)
	}
}

func (d *Dispatcher) dispatchWarning(ctx context.Context, intent model.EnforcementIntent) error {
	w := intent.Warning
	title, message := warningCopy(w)
	urgency := "normal"
	if w != nil && w.Urgency == model.UrgencyCritical {
		urgency = "critical"
	}

	resp, err := d.trigger(ctx, intent.AgentID, model.ActionWarn, warnArgs{Title: title, Message: message, Urgency: urgency})
	d.recordActivity(intent.AgentID, model.ActivityIntentIssued, "warning: "+message)
	return d.awaitResult(resp, err)
}

func warningCopy(w *model.WarningPayload) (title, message string) {
	if w == nil {
		return "Time reminder", "Your time is running low."
	}
	if w.Bedtime {
		return "Bedtime approaching", fmt.Sprintf("Bedtime in %d minute(s).", w.MinutesRemaining)
	}
	if w.MinutesRemaining > 0 {
		return "Time running out", fmt.Sprintf("%d minute(s) of %s time remaining.", w.MinutesRemaining, w.Activity)
	}
	return "Blocked activity", "An activity on this device was just blocked."
}

func (d *Dispatcher) dispatchBlockProcess(ctx context.Context, intent model.EnforcementIntent) error {
	bp := intent.BlockProcess
	resp, err := d.trigger(ctx, intent.AgentID, model.ActionKill, killArgs{PID: bp.PID, Name: bp.Name, Reason: bp.Reason})
	if err != nil {
		return err
	}
	result := <-resp
	d.recordActivity(intent.AgentID, model.ActivityActionResult, fmt.Sprintf("kill %s (pid %d): success=%v", bp.Name, bp.PID, result.Success))
	if result.Success {
		d.sink.RecordViolation(model.Violation{
			Kind:        model.ViolationBlockedProcess,
			AgentID:     intent.AgentID,
			ProcessName: bp.Name,
			Reason:      bp.Reason,
			At:          d.clock.Now(),
		})
	}
	return nil
}

func (d *Dispatcher) dispatchBlockBrowsers(ctx context.Context, intent model.EnforcementIntent) error {
	d.mu.Lock()
	browsers := append([]model.BrowserInfo{}, d.browsers[intent.AgentID]...)
	d.mu.Unlock()

	for _, b := range browsers {
		resp, err := d.trigger(ctx, intent.AgentID, model.ActionKill, killArgs{PID: b.PID, Name: b.Name, Reason: "internet time blocked"})
		if err != nil {
			logger.Warn().Str("agent_id", intent.AgentID).Err(err).Msg("failed to kill browser for BlockBrowsers")
			continue
		}
		result := <-resp
		if result.Success {
			d.sink.RecordViolation(model.Violation{
				Kind:        model.ViolationBlockedProcess,
				AgentID:     intent.AgentID,
				ProcessName: b.Name,
				Reason:      "internet access blocked",
				At:          d.clock.Now(),
			})
		}
	}

	resp, err := d.trigger(ctx, intent.AgentID, model.ActionWarn, warnArgs{
		Title:   "Internet blocked",
		Message: "Internet access is currently blocked.",
		Urgency: "normal",
	})
	return d.awaitResult(resp, err)
}

func (d *Dispatcher) dispatchLock(ctx context.Context, intent model.EnforcementIntent) error {
	resp, err := d.trigger(ctx, intent.AgentID, model.ActionLock, struct{}{})
	return d.awaitResult(resp, err)
}

// dispatchLogout warns critically right away, then arms (or replaces) the
// single grace timer for this agent; the scheduled action only fires if
// nothing cancels it first (§4.7, §3 "at most one outstanding logout
// timer per agent").
func (d *Dispatcher) dispatchLogout(ctx context.Context, intent model.EnforcementIntent) error {
	grace := 0
	reason := "logout"
	if intent.Logout != nil {
		grace = intent.Logout.GraceSeconds
		reason = intent.Logout.Reason
	}

	resp, err := d.trigger(ctx, intent.AgentID, model.ActionWarn, warnArgs{
		Title:   "Logging out",
		Message: fmt.Sprintf("This session will end shortly (%s).", reason),
		Urgency: "critical",
	})
	if err := d.awaitResult(resp, err); err != nil {
		logger.Warn().Str("agent_id", intent.AgentID).Err(err).Msg("failed to send pre-logout warning")
	}

	d.armLogout(intent.AgentID, time.Duration(grace)*time.Second, reason)
	return nil
}

func (d *Dispatcher) armLogout(agentID string, delay time.Duration, reason string) {
	d.mu.Lock()
	if existing, ok := d.logoutTimers[agentID]; ok {
		existing.Stop()
	}
	timer := d.clock.AfterFunc(delay, func() {
		d.fireLogout(agentID, reason)
	})
	d.logoutTimers[agentID] = timer
	d.mu.Unlock()
}

func (d *Dispatcher) fireLogout(agentID, reason string) {
	d.mu.Lock()
	delete(d.logoutTimers, agentID)
	d.mu.Unlock()

	resp, err := d.trigger(context.Background(), agentID, model.ActionLogout, logoutArgs{Reason: reason})
	if err != nil {
		logger.Warn().Str("agent_id", agentID).Err(err).Msg("logout action failed to dispatch")
		return
	}
	result := <-resp
	d.recordActivity(agentID, model.ActivityActionResult, fmt.Sprintf("logout: success=%v", result.Success))
}

// CancelLogout stops agentID's pending grace timer, if any, per the
// GracePending -> Idle "oracle grants new time" / manual unlink
// transitions.
func (d *Dispatcher) CancelLogout(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timer, ok := d.logoutTimers[agentID]; ok {
		timer.Stop()
		delete(d.logoutTimers, agentID)
	}
}

// HasPendingLogout reports whether agentID currently has an armed grace
// timer.
func (d *Dispatcher) HasPendingLogout(agentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.logoutTimers[agentID]
	return ok
}

func (d *Dispatcher) trigger(ctx context.Context, agentID string, actionID model.ActionID, args any) (<-chan gateway.ActionResponse, error) {
	return d.gw.TriggerAction(ctx, agentID, actionID, args)
}

func (d *Dispatcher) awaitResult(resp <-chan gateway.ActionResponse, err error) error {
	if err != nil {
		return err
	}
	<-resp
	return nil
}

func (d *Dispatcher) recordActivity(agentID string, kind model.ActivityEventKind, detail string) {
	if d.sink == nil {
		return
	}
	d.sink.RecordActivity(model.ActivityEvent{Kind: kind, AgentID: agentID, Detail: detail, At: d.clock.Now()})
}
