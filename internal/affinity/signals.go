package affinity

import "time"

// FrequencyBonus rewards repeat conversations with diminishing returns.
// A brand-new relationship earns the most; long-running ones settle at 0.2.
func FrequencyBonus(totalConversations int) float64 {
	switch {
	case totalConversations == 0:
		return 1.0
	case totalConversations < 5:
		return 0.5
	case totalConversations < 10:
		return 0.3
	default:
		return 0.2
	}
}

// QualityBonus rewards conversation depth by round count, with an extra
// bonus when the interlocutor wrote substantial messages. Capped at 2.0.
func QualityBonus(rounds int, hadLongMessages bool) float64 {
	var bonus float64
	switch {
	case rounds >= 5:
		bonus = 0.5
	case rounds >= 3:
		bonus = 0.3
	case rounds >= 1:
		bonus = 0.2
	}
	if hadLongMessages {
		bonus += 0.3
	}
	if bonus > 2.0 {
		bonus = 2.0
	}
	return bonus
}

// TimeDecay penalizes long gaps since the previous conversation, in day
// bands. No previous conversation means no decay.
func TimeDecay(lastConversationAt *time.Time, now time.Time) float64 {
	if lastConversationAt == nil {
		return 0
	}
	days := now.Sub(*lastConversationAt).Hours() / 24
	switch {
	case days >= 30:
		return -10.0
	case days >= 14:
		return -5.0
	case days >= 7:
		return -2.0
	case days >= 3:
		return -1.0
	case days >= 1:
		return -0.5
	default:
		return 0
	}
}
