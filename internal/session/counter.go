package session

import (
	"math"
	"unicode"
)

// TokenCounter estimates the token cost of a piece of text. The session
// manager charges every turn's input and reply against the session budget
// through this interface, so the estimation strategy is swappable.
type TokenCounter interface {
	Count(text string) int
}

// EstimatingCounter is the default heuristic counter. CJK characters cost
// more tokens than ASCII under common tokenizers, so they are weighted
// separately: CJK 1.5, ASCII 0.25, everything else 0.5, rounded up.
type EstimatingCounter struct{}

func (EstimatingCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	var cost float64
	for _, r := range text {
		switch {
		case isCJK(r):
			cost += 1.5
		case r < 128:
			cost += 0.25
		default:
			cost += 0.5
		}
	}
	return int(math.Ceil(cost))
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

var _ TokenCounter = EstimatingCounter{}
