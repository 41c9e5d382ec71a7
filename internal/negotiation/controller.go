// Package negotiation implements the phase-oriented negotiation loop. Each
// turn runs two stages over an immutable [TurnContext]: the [Planner] picks
// which phase of a fixed plan to work on, and the [Executor] produces the
// in-character reply together with a progress marker.
//
// Only the planner moves the phase index. The executor records its
// phase-complete flag in the step results, where the next planner call sees
// it.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
)

// Controller runs negotiation turns against a [session.Store].
//
// A Controller is safe for concurrent use. Turns on the same session must be
// serialised by the caller (see [session.Store.Lock]).
type Controller struct {
	store     session.Store
	compactor *session.Compactor
	planner   *Planner
	executor  *Executor
	metrics   *observe.Metrics
	objective string
	plan      []string
}

// ControllerOption configures a [Controller].
type ControllerOption func(*Controller)

// WithObjective overrides [DefaultObjective] for newly initialised sessions.
func WithObjective(objective string) ControllerOption {
	return func(c *Controller) {
		if objective != "" {
			c.objective = objective
		}
	}
}

// WithPlan overrides [DefaultPlan] for newly initialised sessions.
func WithPlan(plan []string) ControllerOption {
	return func(c *Controller) {
		if len(plan) > 0 {
			c.plan = slices.Clone(plan)
		}
	}
}

// WithControllerMetrics sets the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithControllerMetrics(m *observe.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// NewController creates a new [Controller].
func NewController(store session.Store, compactor *session.Compactor, planner *Planner, executor *Executor, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:     store,
		compactor: compactor,
		planner:   planner,
		executor:  executor,
		objective: DefaultObjective,
		plan:      DefaultPlan(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// RunTurn processes one seller message on st and returns the buyer's reply.
//
// The user turn is always persisted. When the executor cannot generate a
// reply, RunTurn saves st with only the user turn added and returns an error
// wrapping [session.ErrGeneration]; the planner's decision is discarded.
func (c *Controller) RunTurn(ctx context.Context, st *session.State, userMessage string) (reply string, err error) {
	ctx = observe.WithConversation(ctx, observe.Conversation{UserID: st.Key.UserID, SessionID: st.Key.SessionID, Mode: "negotiate"})
	ctx, span := observe.StartSpan(ctx, "negotiation.turn")
	defer span.End()
	defer func() { c.metrics.RecordTurn(ctx, "negotiate", err) }()

	log := observe.Logger(ctx)

	st.AppendTurn(session.RoleUser, userMessage)

	compacted, cerr := c.compactor.MaybeCompact(ctx, st)
	switch {
	case cerr != nil:
		log.Warn("negotiation: compaction failed, keeping full history", "err", cerr)
		c.metrics.RecordCompaction(ctx, cerr)
		c.metrics.RecordDegradation(ctx, observe.DegradedCompaction)
	case compacted:
		c.metrics.RecordCompaction(ctx, nil)
	}

	c.initialise(st)

	tc := newTurnContext(st, userMessage)
	tc = c.planner.Step(ctx, tc)
	tc, err = c.executor.Step(ctx, tc)
	if err != nil {
		if serr := c.store.Save(ctx, st); serr != nil {
			return "", errors.Join(err, fmt.Errorf("negotiation: save: %w", serr))
		}
		return "", err
	}

	st.Negotiation = session.Negotiation{
		Objective:   tc.Objective,
		Plan:        slices.Clone(tc.Plan),
		CurrentStep: tc.CurrentStep,
		StepResults: slices.Clone(tc.StepResults),
	}
	st.AppendTurn(session.RoleAssistant, tc.Response)
	if err := c.store.Save(ctx, st); err != nil {
		return "", fmt.Errorf("negotiation: save: %w", err)
	}

	log.Debug("negotiation: turn complete", "phase", tc.CurrentStep, "phase_done", tc.PhaseDone)
	return tc.Response, nil
}

// initialise installs the objective and plan once per session.
func (c *Controller) initialise(st *session.State) {
	n := &st.Negotiation
	if n.Objective == "" {
		n.Objective = c.objective
	}
	if !n.Initialised() {
		n.Plan = slices.Clone(c.plan)
		n.CurrentStep = 0
		n.StepResults = nil
	}
}
