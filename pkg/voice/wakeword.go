package voice

import (
	"strings"
	"unicode"
)

// WakeDetector matches configured wake phrases against normalized ASR
// tokens. Sensitivity below 0.7 additionally admits matches one edit away,
// which absorbs common ASR slips ("helix" vs "helic").
type WakeDetector struct {
	words       []string
	sensitivity float64
}

func NewWakeDetector(words []string, sensitivity float64) *WakeDetector {
	normalized := make([]string, 0, len(words))
	for _, w := range words {
		if n := normalizeToken(w); n != "" {
			normalized = append(normalized, n)
		}
	}
	if sensitivity <= 0 {
		sensitivity = 0.5
	}
	return &WakeDetector{words: normalized, sensitivity: sensitivity}
}

// Match reports whether the transcript contains a wake phrase and returns
// the transcript with the leading wake tokens stripped.
func (d *WakeDetector) Match(transcript string) (bool, string) {
	tokens := tokenize(transcript)
	if len(tokens) == 0 {
		return false, ""
	}

	for i, tok := range tokens {
		if !d.matchToken(normalizeToken(tok)) {
			continue
		}
		// Wake word must lead the utterance, allowing one filler token.
		if i > 1 {
			return false, ""
		}
		rest := strings.TrimSpace(strings.Join(tokens[i+1:], " "))
		return true, rest
	}
	return false, ""
}

func (d *WakeDetector) matchToken(token string) bool {
	for _, w := range d.words {
		if token == w {
			return true
		}
		if d.sensitivity < 0.7 && editDistance(token, w) == 1 {
			return true
		}
	}
	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}

func normalizeToken(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
