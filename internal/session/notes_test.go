package session

import (
	"errors"
	"strings"
	"testing"
)

func TestParseNotes(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Notes
		wantErr bool
	}{
		{
			name: "plain object",
			in:   `{"personal_details": "Name is Anna", "open_topics": "price"}`,
			want: Notes{PersonalDetails: "Name is Anna", OpenTopics: "price"},
		},
		{
			name: "fenced with prose",
			in:   "Here are the notes:\n```json\n{\"conclusions\": \"agreed on Friday\"}\n```",
			want: Notes{Conclusions: "agreed on Friday"},
		},
		{
			name: "list and object values",
			in:   `{"open_topics": ["price", "tyres"], "negotiation_state": {"offer": 9000}, "emotional_state": null}`,
			want: Notes{OpenTopics: "price; tyres", NegotiationState: `{"offer":9000}`},
		},
		{
			name:    "no braces",
			in:      "The user likes cars.",
			wantErr: true,
		},
		{
			name:    "invalid json",
			in:      `{"personal_details": }`,
			wantErr: true,
		},
		{
			name:    "no known keys",
			in:      `{"mood": "happy"}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNotes(tt.in)
			if tt.wantErr {
				if !errors.Is(err, errNotNotes) {
					t.Fatalf("error = %v, want errNotNotes", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseNotes() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNotes_StringRoundTrip(t *testing.T) {
	n := Notes{PersonalDetails: "Anna", NegotiationState: "offer 9000"}
	s := n.String()
	if !strings.HasPrefix(s, `{"personal_details":"Anna","emotional_state":""`) {
		t.Errorf("String() = %s, want fixed key order", s)
	}
	back, err := ParseNotes(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if back != n {
		t.Errorf("round trip = %+v, want %+v", back, n)
	}
}

func TestNotes_Render(t *testing.T) {
	n := Notes{PersonalDetails: "Anna", Conclusions: "meet Friday"}
	want := "Personal details: Anna\nConclusions: meet Friday"
	if got := n.Render(); got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
	if !(Notes{}).Empty() || n.Empty() {
		t.Error("Empty() wrong")
	}
}
