package session

import (
	"context"
	"fmt"
	"slices"
)

// Compaction defaults.
const (
	DefaultContextLimitTurns = 12
	DefaultKeepLastTurns     = 4
)

// CompactorConfig configures a [Compactor].
type CompactorConfig struct {
	// ContextLimitTurns is the number of user turns History may hold before
	// compaction runs. Defaults to [DefaultContextLimitTurns].
	ContextLimitTurns int

	// KeepLastTurns is the number of most recent user turns (with everything
	// after the oldest of them) kept verbatim. Defaults to
	// [DefaultKeepLastTurns].
	KeepLastTurns int

	// Summariser folds the removed prefix into the summary. Must not be nil.
	Summariser Summariser

	// Labels names speakers in the block sent to the summariser. Defaults to
	// [DefaultLabels].
	Labels Labels
}

// Compactor bounds History by moving old turns into State.Summary.
//
// A Compactor holds no per-session data and is safe for concurrent use;
// callers serialise access to each State.
type Compactor struct {
	limit      int
	keep       int
	summariser Summariser
	labels     Labels
}

// NewCompactor creates a new [Compactor]. Non-positive limits fall back to
// the defaults.
func NewCompactor(cfg CompactorConfig) *Compactor {
	c := &Compactor{
		limit:      cfg.ContextLimitTurns,
		keep:       cfg.KeepLastTurns,
		summariser: cfg.Summariser,
		labels:     cfg.Labels,
	}
	if c.limit <= 0 {
		c.limit = DefaultContextLimitTurns
	}
	if c.keep <= 0 {
		c.keep = DefaultKeepLastTurns
	}
	if c.labels == (Labels{}) {
		c.labels = DefaultLabels
	}
	return c
}

// Limits returns the configured user-turn limit and keep count.
func (c *Compactor) Limits() (limit, keep int) { return c.limit, c.keep }

// MaybeCompact compacts st when it holds more than the configured number of
// user turns. The suffix starting at the k-th most recent user turn stays in
// History; everything before it is summarised into st.Summary, which is
// replaced wholesale.
//
// It reports whether compaction happened. On summariser failure it returns
// an error wrapping [ErrCompaction] and leaves st unchanged.
func (c *Compactor) MaybeCompact(ctx context.Context, st *State) (bool, error) {
	idx := st.userTurnIndices()
	count := len(idx)
	if count <= c.limit {
		return false, nil
	}

	k := min(max(c.keep, 1), count)
	boundary := idx[count-k]
	prefix := st.History[:boundary]
	if len(prefix) == 0 {
		return false, nil
	}

	summary, err := c.summariser.Summarise(ctx, st.Summary, FormatTurns(prefix, c.labels))
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrCompaction, err)
	}
	if summary == "" {
		return false, fmt.Errorf("%w: %w", ErrCompaction, errEmptySummary)
	}

	st.Summary = summary
	st.History = slices.Clone(st.History[boundary:])
	return true, nil
}
