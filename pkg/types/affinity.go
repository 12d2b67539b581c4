package types

import "time"

// Affinity score bounds. Scores are clamped into this range on every update.
const (
	AffinityMin      = 0.0
	AffinityMax      = 100.0
	AffinityBaseline = 50.0 // default initial score when the persona has no configured baseline
)

// AffinityRecord tracks relationship quality between one persona and one
// interlocutor. Created on first contact, mutated only through the weighted
// update algorithm, never deleted while the relationship exists.
type AffinityRecord struct {
	PersonaID          string     `json:"persona_id"`
	InterlocutorID     string     `json:"interlocutor_id"`
	CurrentScore       float64    `json:"current_score"`
	InitialScore       float64    `json:"initial_score"`
	TotalConversations int        `json:"total_conversations"`
	TotalMessages      int        `json:"total_messages"`
	LastConversationAt *time.Time `json:"last_conversation_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// AffinitySignals carries the per-turn inputs to the affinity update.
// Documented ranges:
//
//	MessageSentiment: [-10, 10] (negative to positive tone of the turn)
//	Frequency:        [0, 1]    (diminishing bonus for repeat conversations)
//	QualitySignal:    [0, 2]    (depth-of-conversation bonus)
//	DecaySignal:      [-10, 0]  (penalty for long gaps between chats)
//
// Values outside these ranges are clamped at the model boundary rather than
// rejected, so an extreme classifier output can never push the score out of
// [0, 100].
type AffinitySignals struct {
	MessageSentiment float64 `json:"message_sentiment"`
	Frequency        float64 `json:"frequency"`
	QualitySignal    float64 `json:"quality_signal"`
	DecaySignal      float64 `json:"decay_signal"`
}

// AffinityUpdate is the result of applying one set of signals.
type AffinityUpdate struct {
	NewScore float64 `json:"new_score"`
	Delta    float64 `json:"delta"`
	Reason   string  `json:"reason"`
}

// AffinityHistoryEntry records one applied update for audit and stats.
type AffinityHistoryEntry struct {
	PersonaID      string          `json:"persona_id"`
	InterlocutorID string          `json:"interlocutor_id"`
	Score          float64         `json:"score"`
	Delta          float64         `json:"delta"`
	Reason         string          `json:"reason"`
	Signals        AffinitySignals `json:"signals"`
	Timestamp      time.Time       `json:"timestamp"`
}

// AffinityTier bands a score for prompt construction.
type AffinityTier string

const (
	AffinityTierLow    AffinityTier = "low"    // score < 30
	AffinityTierMedium AffinityTier = "medium" // 30 <= score < 70
	AffinityTierHigh   AffinityTier = "high"   // score >= 70
)

// TierForScore maps a score to its band.
func TierForScore(score float64) AffinityTier {
	switch {
	case score >= 70:
		return AffinityTierHigh
	case score < 30:
		return AffinityTierLow
	default:
		return AffinityTierMedium
	}
}
