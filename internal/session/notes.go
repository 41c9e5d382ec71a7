package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// errNotNotes is returned by [ParseNotes] for text without a usable object.
var errNotNotes = errors.New("session: text is not a notes object")

// Notes is the structured running summary of a conversation.
//
// Every field is free text. Missing fields are empty strings.
type Notes struct {
	PersonalDetails    string `json:"personal_details"`
	EmotionalState     string `json:"emotional_state"`
	OpenTopics         string `json:"open_topics"`
	Conclusions        string `json:"conclusions"`
	ContinuationNotes  string `json:"continuation_notes"`
	LongTermObjectives string `json:"long_term_objectives"`
	PlansAndStrategies string `json:"plans_and_strategies"`
	NegotiationState   string `json:"negotiation_state"`
}

// noteFields lists each field with its JSON key and display label, in the
// order used for rendering.
func (n *Notes) noteFields() []struct {
	key, label string
	val        *string
} {
	return []struct {
		key, label string
		val        *string
	}{
		{"personal_details", "Personal details", &n.PersonalDetails},
		{"emotional_state", "Emotional state", &n.EmotionalState},
		{"open_topics", "Open topics", &n.OpenTopics},
		{"conclusions", "Conclusions", &n.Conclusions},
		{"continuation_notes", "Continuation notes", &n.ContinuationNotes},
		{"long_term_objectives", "Long-term objectives", &n.LongTermObjectives},
		{"plans_and_strategies", "Plans and strategies", &n.PlansAndStrategies},
		{"negotiation_state", "Negotiation state", &n.NegotiationState},
	}
}

// ParseNotes extracts a [Notes] object from model output. It reads the text
// between the first '{' and the last '}', so surrounding prose or code
// fences are ignored. Fields may be strings, lists or nested objects; lists
// of strings are joined with "; " and anything else keeps its JSON text.
// At least one known key must be present.
func ParseNotes(text string) (Notes, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return Notes{}, errNotNotes
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return Notes{}, fmt.Errorf("%w: %v", errNotNotes, err)
	}

	var n Notes
	found := false
	for _, f := range n.noteFields() {
		v, ok := raw[f.key]
		if !ok {
			continue
		}
		found = true
		*f.val = flattenNote(v)
	}
	if !found {
		return Notes{}, errNotNotes
	}
	return n, nil
}

func flattenNote(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []string
	if err := json.Unmarshal(v, &list); err == nil {
		return strings.Join(list, "; ")
	}
	if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return string(v)
	}
	return buf.String()
}

// String returns the canonical JSON encoding with a fixed key order.
func (n Notes) String() string {
	b, err := json.Marshal(n)
	if err != nil {
		return ""
	}
	return string(b)
}

// Empty reports whether every field is blank.
func (n Notes) Empty() bool {
	for _, f := range n.noteFields() {
		if *f.val != "" {
			return false
		}
	}
	return true
}

// Render formats the non-empty fields as "Label: text" lines.
func (n Notes) Render() string {
	var sb strings.Builder
	for _, f := range n.noteFields() {
		if *f.val == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(f.label)
		sb.WriteString(": ")
		sb.WriteString(*f.val)
	}
	return sb.String()
}
