package guidance

import (
	"context"
	"slices"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Score weights for [LexicalIndex].
const (
	nameWeight     = 0.6
	phoneticWeight = 0.4

	// minTokenLen drops short words ("the", "and", "1") before matching.
	minTokenLen = 4
)

// LexicalIndex ranks documents without embeddings. It scores how well each
// word of a document's file-name hint matches the phase description under
// Jaro-Winkler similarity, plus the share of the phase's Double Metaphone
// codes that also occur in the document's name and content.
//
// A LexicalIndex is immutable and safe for concurrent use.
type LexicalIndex struct {
	docs []lexDoc
}

type lexDoc struct {
	Document
	hintWords []string
	codes     map[string]struct{}
}

// NewLexicalIndex indexes docs.
func NewLexicalIndex(docs []Document) *LexicalIndex {
	l := &LexicalIndex{docs: make([]lexDoc, 0, len(docs))}
	for _, d := range docs {
		hintWords := words(d.Phase)
		l.docs = append(l.docs, lexDoc{
			Document:  d,
			hintWords: hintWords,
			codes:     codesForTokens(slices.Concat(hintWords, words(d.Content))),
		})
	}
	return l
}

// Search implements [Retriever]. It ranks by phase; when phase is empty the
// query is used instead. Documents with no similarity at all are dropped. An
// empty index returns [ErrUnavailable].
func (l *LexicalIndex) Search(_ context.Context, query, phase string, k int) ([]Snippet, error) {
	if len(l.docs) == 0 {
		return nil, ErrUnavailable
	}
	if strings.TrimSpace(phase) == "" {
		phase = query
	}
	phaseWords := words(phase)
	phaseCodes := codesForTokens(phaseWords)

	var out []Snippet
	for _, d := range l.docs {
		score := nameWeight*hintCoverage(phaseWords, d.hintWords) +
			phoneticWeight*overlapShare(phaseCodes, d.codes)
		if score <= 0 {
			continue
		}
		out = append(out, Snippet{
			DocumentID: d.ID,
			Name:       d.Name,
			Phase:      d.Phase,
			Content:    d.Content,
			Score:      score,
		})
	}
	return topK(out, k), nil
}

// words lowercases s and splits it on anything that is not a letter,
// keeping words of at least minTokenLen runes.
func words(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return !unicode.IsLetter(r) })
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= minTokenLen {
			out = append(out, f)
		}
	}
	return out
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// overlapShare returns the fraction of a's codes also present in b.
func overlapShare(a, b map[string]struct{}) float64 {
	if len(a) == 0 {
		return 0
	}
	n := 0
	for c := range a {
		if _, ok := b[c]; ok {
			n++
		}
	}
	return float64(n) / float64(len(a))
}

// hintCoverage averages, over the hint words, the best Jaro-Winkler
// similarity each reaches against any phase word.
func hintCoverage(phaseWords, hintWords []string) float64 {
	if len(phaseWords) == 0 || len(hintWords) == 0 {
		return 0
	}
	var total float64
	for _, h := range hintWords {
		var best float64
		for _, p := range phaseWords {
			if s := matchr.JaroWinkler(p, h, false); s > best {
				best = s
			}
		}
		total += best
	}
	return total / float64(len(hintWords))
}

var _ Retriever = (*LexicalIndex)(nil)
