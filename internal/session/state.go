// Package session owns per-conversation state for parley: the session store
// ([Store], [MemStore]), per-key mutual exclusion ([KeyLock]), and the turn
// memory manager ([Compactor]) that folds old history into a running
// structured summary ([Notes]) via a [Summariser].
package session

import (
	"slices"
	"strings"
	"time"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Key identifies one conversation. Both parts are opaque and non-empty.
type Key struct {
	UserID    string
	SessionID string
}

// String implements fmt.Stringer.
func (k Key) String() string { return k.UserID + "/" + k.SessionID }

// Valid reports whether both parts are set.
func (k Key) Valid() bool { return k.UserID != "" && k.SessionID != "" }

// Turn is one message in the visible history.
type Turn struct {
	Role    string
	Content string
}

// StepResult is one entry of a negotiation's progress log.
type StepResult struct {
	// Phase is the plan entry that was active when the note was produced.
	Phase string
	Note  string
	// Done records the marker's phase-complete flag. It never moves the
	// phase index by itself.
	Done bool
}

// Negotiation holds the plan state used by the negotiation controller.
// It is empty until the first negotiation turn on a session.
type Negotiation struct {
	Objective   string
	Plan        []string
	CurrentStep int
	StepResults []StepResult
}

// Initialised reports whether a plan has been installed.
func (n Negotiation) Initialised() bool { return len(n.Plan) > 0 }

// Phase returns the description of the current phase, or "" without a plan.
func (n Negotiation) Phase() string {
	if n.CurrentStep < 0 || n.CurrentStep >= len(n.Plan) {
		return ""
	}
	return n.Plan[n.CurrentStep]
}

// State is the complete record for one [Key].
type State struct {
	Key Key

	// Summary is the running notes text, normally canonical [Notes] JSON.
	// Empty means no compaction has happened yet.
	Summary string

	History []Turn

	// TurnCount counts every appended turn. Compaction never lowers it.
	TurnCount int

	LastUpdated time.Time

	Negotiation Negotiation
}

// NewState returns an empty state for key.
func NewState(key Key) *State {
	return &State{Key: key, History: []Turn{}}
}

// AppendTurn adds a trimmed turn to History and bumps TurnCount.
func (s *State) AppendTurn(role, content string) {
	s.History = append(s.History, Turn{Role: role, Content: strings.TrimSpace(content)})
	s.TurnCount++
	s.LastUpdated = time.Now()
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.History = slices.Clone(s.History)
	if c.History == nil {
		c.History = []Turn{}
	}
	c.Negotiation.Plan = slices.Clone(s.Negotiation.Plan)
	c.Negotiation.StepResults = slices.Clone(s.Negotiation.StepResults)
	return &c
}

// userTurnIndices returns the History positions holding user turns.
func (s *State) userTurnIndices() []int {
	var idx []int
	for i, t := range s.History {
		if t.Role == RoleUser {
			idx = append(idx, i)
		}
	}
	return idx
}
