// Package session tracks token consumption per conversation and moves each
// session through its lifecycle: ACTIVE, FATIGUE_WARNED at 60% of the token
// budget, OFFLINE_INDEXING at 70%, OFFLINE_IDLE once background indexing
// finishes, and back to ACTIVE on resume. Messages that arrive while the
// persona is offline are queued and replayed in order on resume.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/afslabs/companion/internal/affinity"
	"github.com/afslabs/companion/internal/indexer"
	"github.com/afslabs/companion/internal/pipeline"
	"github.com/afslabs/companion/pkg/types"
)

// Threshold ratios of the token budget.
const (
	warnThreshold  = 0.6
	forceThreshold = 0.7
)

// longMessageRunes marks a user message as substantial for the quality
// bonus.
const longMessageRunes = 50

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionClosed is returned when messaging a closed session.
var ErrSessionClosed = errors.New("session is closed")

// Reply is the outcome of one SendMessage call.
type Reply struct {
	Text                string             `json:"text"`
	Queued              bool               `json:"queued"`
	PendingMessageCount int                `json:"pending_message_count,omitempty"`
	Warning             string             `json:"warning,omitempty"`
	State               types.SessionState `json:"state"`
	TokensUsed          int                `json:"tokens_used"`
	EndOfConversation   bool               `json:"end_of_conversation,omitempty"`
	Errors              []types.StateError `json:"errors,omitempty"`
}

// chatSession is the in-memory record for one live session. turnMu
// serializes whole turns so history and token accounting stay consistent;
// mu guards the mutable fields for cheap reads.
type chatSession struct {
	turnMu sync.Mutex

	mu              sync.Mutex
	info            types.ChatSession
	roleDescription string
	messages        []types.Message
	pending         []string
	warned60        bool
	warned70        bool
	needsReindex    bool
}

// Manager owns all live sessions.
type Manager struct {
	pipeline *pipeline.Pipeline
	counter  TokenCounter
	indexer  *indexer.Manager
	affinity *affinity.Model
	sink     types.EventSink
	budget   int

	mu       sync.RWMutex
	sessions map[string]*chatSession
}

// NewManager creates a session manager. sink receives lifecycle events; a
// nil sink drops them.
func NewManager(p *pipeline.Pipeline, counter TokenCounter, idx *indexer.Manager, aff *affinity.Model, sink types.EventSink, tokenBudget int) *Manager {
	if counter == nil {
		counter = EstimatingCounter{}
	}
	return &Manager{
		pipeline: p,
		counter:  counter,
		indexer:  idx,
		affinity: aff,
		sink:     sink,
		budget:   tokenBudget,
		sessions: map[string]*chatSession{},
	}
}

func (m *Manager) emit(evt types.Event) {
	if m.sink != nil {
		m.sink.Publish(evt)
	}
}

// CreateSession opens a new session between a persona and an interlocutor.
func (m *Manager) CreateSession(personaID, interlocutorID, relationType, roleDescription string) (types.ChatSession, error) {
	if personaID == "" || interlocutorID == "" {
		return types.ChatSession{}, fmt.Errorf("persona and interlocutor ids are required")
	}
	if relationType == "" {
		relationType = "stranger"
	}

	now := time.Now()
	s := &chatSession{
		info: types.ChatSession{
			SessionID:      uuid.NewString(),
			PersonaID:      personaID,
			InterlocutorID: interlocutorID,
			RelationType:   relationType,
			TokenBudget:    m.budget,
			State:          types.SessionActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		roleDescription: roleDescription,
	}

	m.mu.Lock()
	m.sessions[s.info.SessionID] = s
	m.mu.Unlock()

	log.Printf("[Session] created %s for persona %s (%s)", s.info.SessionID, personaID, relationType)
	return s.info, nil
}

func (m *Manager) get(sessionID string) (*chatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	return s, nil
}

// Status returns a snapshot of the session.
func (m *Manager) Status(sessionID string) (types.ChatSession, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return types.ChatSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, nil
}

// SendMessage runs one turn. While the persona is offline the message is
// queued instead, and the reply says so. Crossing a budget threshold for the
// first time emits exactly one token_threshold event for that threshold.
func (m *Manager) SendMessage(ctx context.Context, sessionID, text string) (Reply, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return Reply{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Reply{}, fmt.Errorf("message is empty")
	}

	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.mu.Lock()
	switch s.info.State {
	case types.SessionClosed:
		s.mu.Unlock()
		return Reply{}, fmt.Errorf("%s: %w", sessionID, ErrSessionClosed)
	case types.SessionOfflineIndexing, types.SessionOfflineIdle:
		s.pending = append(s.pending, text)
		s.info.PendingMessageCount = len(s.pending)
		s.info.UpdatedAt = time.Now()
		reply := Reply{
			Text:                queuedMessageReply(s.info.PendingMessageCount),
			Queued:              true,
			PendingMessageCount: s.info.PendingMessageCount,
			State:               s.info.State,
			TokensUsed:          s.info.TokensUsed,
		}
		s.mu.Unlock()
		return reply, nil
	}
	info := s.info
	history := append([]types.Message(nil), s.messages...)
	role := s.roleDescription
	s.mu.Unlock()

	// Generation runs without any session lock held; an in-flight turn is
	// never cancelled by a state change.
	state := types.NewConversationState(info.PersonaID, info.InterlocutorID, info.RelationType)
	state.Messages = history
	state.RoleDescription = role
	state.CurrentInput = text
	state = m.pipeline.Process(ctx, state)

	endIntent, _ := state.Metadata[pipeline.MetaEndIntent].(bool)
	cost := m.counter.Count(state.CurrentInput) + m.counter.Count(state.GeneratedResponse)

	s.mu.Lock()
	s.messages = state.Messages
	s.info.TokensUsed += cost
	s.info.UpdatedAt = time.Now()

	reply := Reply{
		Text:              state.GeneratedResponse,
		State:             s.info.State,
		TokensUsed:        s.info.TokensUsed,
		EndOfConversation: endIntent,
		Errors:            state.Errors,
	}

	ratio := s.info.UsageRatio()
	percent := int(ratio * 100)
	tier := types.TierForScore(state.AffinityScore)

	switch {
	case ratio >= forceThreshold && !s.warned70:
		s.warned70 = true
		s.warned60 = true
		s.info.State = types.SessionOfflineIndexing
		reply.State = s.info.State
		reply.Warning = forcedFatigueMessage(tier, percent)
		m.emit(types.Event{
			Type:      types.EventTokenThreshold,
			SessionID: s.info.SessionID,
			Threshold: 70,
			Message:   reply.Warning,
		})
		go m.runOfflineIndexing(s)
	case ratio >= warnThreshold && !s.warned60:
		s.warned60 = true
		if s.info.State == types.SessionActive {
			s.info.State = types.SessionFatigueWarned
		}
		reply.State = s.info.State
		reply.Warning = gentleFatigueMessage(tier, percent)
		m.emit(types.Event{
			Type:      types.EventTokenThreshold,
			SessionID: s.info.SessionID,
			Threshold: 60,
			Message:   reply.Warning,
		})
	}
	s.mu.Unlock()

	if endIntent {
		if err := m.EndSession(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionClosed) {
			log.Printf("[Session] graceful end of %s failed: %v", sessionID, err)
		}
	}

	return reply, nil
}

// runOfflineIndexing folds the session transcript into the persona's memory
// in the background, then brings the role card back online. A failed run
// still transitions to OFFLINE_IDLE; the session is marked so the next
// offline pass retries a full rebuild.
func (m *Manager) runOfflineIndexing(s *chatSession) {
	ctx := context.Background()

	s.mu.Lock()
	sessionID := s.info.SessionID
	personaID := s.info.PersonaID
	transcript := append([]types.Message(nil), s.messages...)
	retryRebuild := s.needsReindex
	s.mu.Unlock()

	m.emit(types.Event{
		Type:      types.EventIndexingStatus,
		SessionID: sessionID,
		Status:    types.IndexingStarted,
	})

	failed := false
	if retryRebuild {
		if err := m.indexer.RebuildIndex(ctx, personaID); err != nil {
			log.Printf("[Session] retry rebuild for %s failed: %v", personaID, err)
			failed = true
		}
	}
	if err := m.indexer.IndexTranscript(ctx, personaID, sessionID, transcript); err != nil {
		log.Printf("[Session] transcript indexing for %s failed: %v", sessionID, err)
		failed = true
	}

	s.mu.Lock()
	s.needsReindex = failed
	if s.info.State == types.SessionOfflineIndexing {
		s.info.State = types.SessionOfflineIdle
	}
	pendingCount := len(s.pending)
	s.mu.Unlock()

	m.emit(types.Event{
		Type:                types.EventIndexingStatus,
		SessionID:           sessionID,
		Status:              types.IndexingCompleted,
		PendingMessageCount: pendingCount,
	})
	m.emit(types.Event{
		Type:                types.EventRoleCardOnline,
		SessionID:           sessionID,
		ReadyToChat:         true,
		PendingMessageCount: pendingCount,
	})
}

// Resume brings an OFFLINE_IDLE session back to ACTIVE with a fresh token
// budget and replays any queued messages in arrival order. The replayed
// replies are returned; if replay itself exhausts the new budget, the
// remainder queues again.
func (m *Manager) Resume(ctx context.Context, sessionID string) ([]Reply, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.info.State != types.SessionOfflineIdle {
		state := s.info.State
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s is %s, not %s", sessionID, state, types.SessionOfflineIdle)
	}
	s.info.State = types.SessionActive
	s.info.TokensUsed = 0
	s.info.PendingMessageCount = 0
	s.warned60 = false
	s.warned70 = false
	queued := s.pending
	s.pending = nil
	s.info.UpdatedAt = time.Now()
	s.mu.Unlock()

	log.Printf("[Session] resumed %s with %d pending messages", sessionID, len(queued))

	replies := make([]Reply, 0, len(queued))
	for _, text := range queued {
		reply, err := m.SendMessage(ctx, sessionID, text)
		if err != nil {
			log.Printf("[Session] replay failed on %s: %v", sessionID, err)
			continue
		}
		replies = append(replies, reply)
	}
	return replies, nil
}

// EndSession closes the session gracefully: the conversation-end affinity
// signals are applied and the transcript is folded into memory.
func (m *Manager) EndSession(ctx context.Context, sessionID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.info.State == types.SessionClosed {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", sessionID, ErrSessionClosed)
	}
	s.info.State = types.SessionClosed
	s.info.UpdatedAt = time.Now()
	info := s.info
	transcript := append([]types.Message(nil), s.messages...)
	s.mu.Unlock()

	rounds, hadLong := summarizeTranscript(transcript)
	if _, err := m.affinity.EndConversation(ctx, info.PersonaID, info.InterlocutorID, rounds, hadLong); err != nil {
		log.Printf("[Session] affinity close for %s failed: %v", sessionID, err)
	}
	if err := m.indexer.IndexTranscript(ctx, info.PersonaID, info.SessionID, transcript); err != nil {
		log.Printf("[Session] final transcript indexing for %s failed: %v", sessionID, err)
	}

	log.Printf("[Session] closed %s after %d rounds", sessionID, rounds)
	return nil
}

// summarizeTranscript derives the conversation-end quality inputs.
func summarizeTranscript(messages []types.Message) (rounds int, hadLong bool) {
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		rounds++
		if utf8.RuneCountInString(msg.Content) > longMessageRunes {
			hadLong = true
		}
	}
	return rounds, hadLong
}
