package affinity

import (
	"context"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/afslabs/companion/internal/llm"
)

// SentimentClassifier maps a message to a sentiment score in [-10, 10].
// Empty or purely neutral text maps to 0.
type SentimentClassifier interface {
	Classify(ctx context.Context, text string) (float64, error)
}

// LLMClassifier asks the inference backend to rate a message. Unparseable
// replies degrade to 0 rather than failing the turn.
type LLMClassifier struct {
	generator llm.TextGenerator
}

// NewLLMClassifier creates a classifier over the given generator.
func NewLLMClassifier(generator llm.TextGenerator) *LLMClassifier {
	return &LLMClassifier{generator: generator}
}

const sentimentPrompt = `Rate the emotional tone of the following message on a scale from -10 (very negative, hostile) to 10 (very positive, warm). Reply with only the number.

Message: %s

Score:`

var numberPattern = regexp.MustCompile(`-?\d+(\.\d+)?`)

// Classify rates one message. Empty input is 0 without a backend call.
func (c *LLMClassifier) Classify(ctx context.Context, text string) (float64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, nil
	}

	reply, err := c.generator.Complete(ctx, strings.Replace(sentimentPrompt, "%s", text, 1), llm.CompletionOptions{Temperature: 0.1, MaxTokens: 8})
	if err != nil {
		return 0, err
	}

	match := numberPattern.FindString(reply)
	if match == "" {
		log.Printf("[Sentiment] unparseable reply %q, treating as neutral", strings.TrimSpace(reply))
		return 0, nil
	}
	score, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, nil
	}
	return clamp(score, -10, 10), nil
}

// LexiconClassifier is a dependency-free fallback scoring by word lists.
// It is intentionally coarse; it exists so affinity keeps moving when the
// inference chain is down.
type LexiconClassifier struct{}

var positiveWords = []string{
	"thank", "thanks", "love", "great", "good", "happy", "wonderful", "glad",
	"miss you", "appreciate", "nice", "sweet", "fun",
	"谢谢", "喜欢", "开心", "高兴", "想你", "太好了", "爱",
}

var negativeWords = []string{
	"hate", "angry", "awful", "terrible", "sad", "annoying", "stupid",
	"shut up", "boring", "upset",
	"讨厌", "生气", "难过", "烦", "滚", "无聊",
}

// Classify counts lexicon hits. Each positive hit adds 2, each negative
// subtracts 2, clamped to [-10, 10].
func (LexiconClassifier) Classify(ctx context.Context, text string) (float64, error) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return 0, nil
	}
	var score float64
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			score += 2
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			score -= 2
		}
	}
	return clamp(score, -10, 10), nil
}

var _ SentimentClassifier = (*LLMClassifier)(nil)
var _ SentimentClassifier = LexiconClassifier{}
