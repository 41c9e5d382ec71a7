package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MarkerToken introduces the progress marker the executor model appends to
// its reply.
const MarkerToken = "PLAN_STATE:"

var (
	// ErrNoMarker is returned by [ParseMarker] when the output carries no
	// marker token.
	ErrNoMarker = errors.New("negotiation: no progress marker")

	// ErrMalformedMarker is returned by [ParseMarker] when the text after the
	// last marker token holds no decodable JSON object.
	ErrMalformedMarker = errors.New("negotiation: malformed progress marker")
)

// Marker is the parsed executor output.
type Marker struct {
	// Visible is the reply shown to the user.
	Visible     string
	StepSummary string
	PhaseDone   bool
}

// ParseMarker splits raw executor output into the visible reply and the
// trailing progress marker.
//
// Grammar: the last occurrence of [MarkerToken] separates prose from the
// marker. The marker payload is the text between the first '{' and the last
// '}' after the token, decoded as a JSON object with optional keys
// step_summary (text) and phase_done (boolean).
//
// Errors are informational and the returned Marker is always usable. With no
// token, Visible is the trimmed input and ErrNoMarker is returned. With an
// undecodable payload, Visible is the whole trimmed input, no progress is
// reported and ErrMalformedMarker is returned.
func ParseMarker(raw string) (Marker, error) {
	whole := strings.TrimSpace(raw)
	i := strings.LastIndex(raw, MarkerToken)
	if i < 0 {
		return Marker{Visible: whole}, ErrNoMarker
	}

	payload, ok := braced(raw[i+len(MarkerToken):])
	if !ok {
		return Marker{Visible: whole}, fmt.Errorf("%w: no JSON object", ErrMalformedMarker)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return Marker{Visible: whole}, fmt.Errorf("%w: %w", ErrMalformedMarker, err)
	}

	m := Marker{
		Visible:     strings.TrimSpace(raw[:i]),
		StepSummary: summaryField(fields["step_summary"]),
		PhaseDone:   doneField(fields["phase_done"]),
	}
	if m.Visible == "" {
		m.Visible = whole
	}
	return m, nil
}

func summaryField(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}

func doneField(v any) bool {
	switch d := v.(type) {
	case bool:
		return d
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(d))
		return b
	default:
		return false
	}
}

// braced returns s from its first '{' to its last '}' inclusive.
func braced(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
