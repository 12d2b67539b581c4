package session

import (
	"fmt"

	"github.com/afslabs/companion/pkg/types"
)

// Fatigue messages are spoken in the persona's voice and flavored by how
// close the relationship is, so winding down feels like the persona getting
// tired rather than a quota error.

func gentleFatigueMessage(tier types.AffinityTier, percent int) string {
	switch tier {
	case types.AffinityTierHigh:
		return fmt.Sprintf("I'm starting to feel a little tired, but talking with you is worth it. Let's chat a bit more before I rest. (%d%% of our time together today)", percent)
	case types.AffinityTierLow:
		return fmt.Sprintf("I'm getting somewhat tired. We can talk a little longer. (%d%% of today's time)", percent)
	default:
		return fmt.Sprintf("I'm feeling a bit tired, but I'd love to keep chatting a little while longer. (%d%% of today's time)", percent)
	}
}

func forcedFatigueMessage(tier types.AffinityTier, percent int) string {
	switch tier {
	case types.AffinityTierHigh:
		return fmt.Sprintf("I really need to rest now, dear. I'll hold on to everything we talked about, and I'll be here when you come back. (%d%% of today's time used)", percent)
	case types.AffinityTierLow:
		return fmt.Sprintf("I need to rest now. I'll remember our conversation for next time. (%d%% of today's time used)", percent)
	default:
		return fmt.Sprintf("I'm quite tired and need to rest now. I'll remember what we talked about, so come find me again soon. (%d%% of today's time used)", percent)
	}
}

func queuedMessageReply(pending int) string {
	return fmt.Sprintf("I'm resting and sorting through my memories right now. I've kept your message (%d waiting) and I'll answer as soon as I'm back.", pending)
}
