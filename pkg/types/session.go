package types

import "time"

// SessionState is the lifecycle state of a chat session. Transitions:
//
//	ACTIVE -> FATIGUE_WARNED   at 60% token usage
//	ACTIVE/FATIGUE_WARNED -> OFFLINE_INDEXING at 70% token usage
//	OFFLINE_INDEXING -> OFFLINE_IDLE when background indexing finishes
//	OFFLINE_IDLE -> ACTIVE on an explicit resume trigger
type SessionState string

const (
	SessionActive          SessionState = "ACTIVE"
	SessionFatigueWarned   SessionState = "FATIGUE_WARNED"
	SessionOfflineIndexing SessionState = "OFFLINE_INDEXING"
	SessionOfflineIdle     SessionState = "OFFLINE_IDLE"
	SessionClosed          SessionState = "CLOSED"
)

// ChatSession tracks cumulative token consumption and lifecycle state for
// one (persona, interlocutor) conversation.
type ChatSession struct {
	SessionID           string       `json:"session_id"`
	PersonaID           string       `json:"persona_id"`
	InterlocutorID      string       `json:"interlocutor_id"`
	RelationType        string       `json:"relation_type"`
	TokensUsed          int          `json:"tokens_used"`
	TokenBudget         int          `json:"token_budget"`
	State               SessionState `json:"state"`
	PendingMessageCount int          `json:"pending_message_count"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// UsageRatio returns tokensUsed / tokenBudget, 0 when no budget is set.
func (s ChatSession) UsageRatio() float64 {
	if s.TokenBudget <= 0 {
		return 0
	}
	return float64(s.TokensUsed) / float64(s.TokenBudget)
}

// Event types pushed to external clients.
const (
	EventTokenThreshold = "token_threshold"
	EventIndexingStatus = "indexing_status"
	EventRoleCardOnline = "role_card_online"
)

// Indexing status values carried by indexing_status events.
const (
	IndexingStarted   = "started"
	IndexingCompleted = "completed"
)

// Event is a lifecycle notification pushed to the calling UI layer.
type Event struct {
	Type                string `json:"type"`
	SessionID           string `json:"session_id"`
	Threshold           int    `json:"threshold,omitempty"` // 60 or 70 for token_threshold
	Message             string `json:"message,omitempty"`
	Status              string `json:"status,omitempty"` // started or completed for indexing_status
	PendingMessageCount int    `json:"pending_message_count,omitempty"`
	ReadyToChat         bool   `json:"ready_to_chat,omitempty"`
}

// EventSink receives lifecycle events. The websocket hub implements this;
// tests use an in-memory recorder.
type EventSink interface {
	Publish(evt Event)
}
