package session

import "testing"

func TestFormatTurns(t *testing.T) {
	turns := []Turn{
		{Role: RoleUser, Content: "Hallo"},
		{Role: RoleAssistant, Content: "Hi!"},
	}
	tests := []struct {
		name   string
		turns  []Turn
		labels Labels
		want   string
	}{
		{"empty", nil, DefaultLabels, NoHistoryPlaceholder},
		{"default labels", turns, DefaultLabels, "User: Hallo\nAgent: Hi!"},
		{"custom labels", turns, Labels{User: "Seller", Assistant: "Buyer"}, "Seller: Hallo\nBuyer: Hi!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatTurns(tt.turns, tt.labels); got != tt.want {
				t.Errorf("FormatTurns() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderSummary(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", NoSummaryPlaceholder},
		{"blank notes", Notes{}.String(), NoSummaryPlaceholder},
		{"notes", Notes{OpenTopics: "price"}.String(), "Open topics: price"},
		{"raw text", "User wants a red car.", "User wants a red car."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderSummary(tt.in); got != tt.want {
				t.Errorf("RenderSummary() = %q, want %q", got, tt.want)
			}
		})
	}
}
