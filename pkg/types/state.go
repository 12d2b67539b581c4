package types

import "time"

// Message is one turn in a conversation.
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// StateError is a node-level failure captured into the conversation state
// instead of unwinding the call stack.
type StateError struct {
	Node      string    `json:"node,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RetrievedMemory is one search hit threaded into prompt construction.
type RetrievedMemory struct {
	Chunk      MemoryChunk `json:"chunk"`
	Similarity float64     `json:"similarity"`
}

// ConversationState is the shared object the pipeline nodes transform from
// raw input to a generated reply. It is created per turn, mutated
// node-by-node, and discarded after the reply is returned; persistence of
// Messages is the caller's responsibility.
type ConversationState struct {
	PersonaID      string `json:"persona_id"`
	InterlocutorID string `json:"interlocutor_id"`
	RelationType   string `json:"relation_type"` // self, family, friend, stranger

	Messages          []Message         `json:"messages"`
	RetrievedMemories []RetrievedMemory `json:"retrieved_memories"`

	RoleDescription string `json:"role_description"`
	CurrentInput    string `json:"current_input"`
	Prompt          string `json:"prompt,omitempty"`

	AffinityScore float64      `json:"affinity_score"`
	AffinityTier  AffinityTier `json:"affinity_tier,omitempty"`

	GeneratedResponse string `json:"generated_response"`

	Errors   []StateError           `json:"errors"`
	Metadata map[string]interface{} `json:"metadata"`
}

// NewConversationState builds a state with initialized collections.
func NewConversationState(personaID, interlocutorID, relationType string) *ConversationState {
	return &ConversationState{
		PersonaID:      personaID,
		InterlocutorID: interlocutorID,
		RelationType:   relationType,
		Messages:       []Message{},
		Errors:         []StateError{},
		Metadata:       map[string]interface{}{},
	}
}

// AddError appends a node failure without interrupting the pipeline contract.
func (s *ConversationState) AddError(node string, err error) {
	s.Errors = append(s.Errors, StateError{
		Node:      node,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

// AddMessage appends a turn to the conversation history.
func (s *ConversationState) AddMessage(role, content string) {
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
}
