package negotiation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/parley/internal/session"
)

// DefaultObjective is installed on a session's first negotiation turn when
// no objective is configured.
const DefaultObjective = "Buy this used car for a total cost under €10,000 (price plus likely " +
	"repairs) while keeping a cordial relationship with the seller."

// defaultPlan is the built-in five-phase negotiation plan.
var defaultPlan = []string{
	"Phase 1 – Build rapport and trust with the seller.",
	"Phase 2 – Ask and discover: the seller's interests and the car's real condition.",
	"Phase 3 – Find a creative solution that benefits both sides.",
	"Phase 4 – Concessions, adjustments and trade-offs towards an agreed offer.",
	"Phase 5 – Recap everything agreed in detail and confirm.",
}

// Labels render negotiation history from the agent's side of the table: the
// user plays the seller and the agent the buyer.
var Labels = session.Labels{User: "Seller", Assistant: "Buyer"}

// UnknownPhase is reported when there is no plan to index into.
const UnknownPhase = "Unknown phase"

// DefaultPlan returns a copy of the built-in plan.
func DefaultPlan() []string { return slices.Clone(defaultPlan) }

// FormatPlan renders plan as a 1-based numbered list.
func FormatPlan(plan []string) string {
	if len(plan) == 0 {
		return "(no plan)"
	}
	var sb strings.Builder
	for i, step := range plan {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%d. %s", i+1, step)
	}
	return sb.String()
}

// clampIndex bounds i to a valid index of a plan with n entries. It returns
// 0 when n is zero.
func clampIndex(i, n int) int {
	if n <= 0 {
		return 0
	}
	return min(max(i, 0), n-1)
}
