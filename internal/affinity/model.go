// Package affinity maintains a bounded relationship score between each
// persona and interlocutor. Scores live in [0, 100], start at a baseline,
// and move through a fixed weighted combination of per-turn and
// per-conversation signals. Updates for the same pair are serialized.
package affinity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/afslabs/companion/internal/store"
	"github.com/afslabs/companion/pkg/types"
)

// Signal weights. These are fixed model constants, not configuration.
const (
	WeightSentiment = 0.6
	WeightFrequency = 0.2
	WeightQuality   = 0.1
	WeightDecay     = 0.1
)

// Model applies weighted affinity updates on top of the record store.
type Model struct {
	store    *store.Store
	baseline float64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewModel creates a model with the default baseline of 50.
func NewModel(st *store.Store) *Model {
	return NewModelWithBaseline(st, types.AffinityBaseline)
}

// NewModelWithBaseline allows a persona-configured starting score. The
// baseline is clamped into [0, 100] like everything else.
func NewModelWithBaseline(st *store.Store, baseline float64) *Model {
	return &Model{
		store:    st,
		baseline: clampScore(baseline),
		locks:    map[string]*sync.Mutex{},
	}
}

func (m *Model) lockFor(personaID, interlocutorID string) *sync.Mutex {
	key := personaID + "\x00" + interlocutorID
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// GetScore returns the pair's record, creating it at the baseline on first
// contact.
func (m *Model) GetScore(ctx context.Context, personaID, interlocutorID string) (types.AffinityRecord, error) {
	lock := m.lockFor(personaID, interlocutorID)
	lock.Lock()
	defer lock.Unlock()

	return m.getOrCreate(ctx, personaID, interlocutorID)
}

func (m *Model) getOrCreate(ctx context.Context, personaID, interlocutorID string) (types.AffinityRecord, error) {
	rec, err := m.store.GetAffinity(ctx, personaID, interlocutorID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return types.AffinityRecord{}, err
	}

	now := time.Now()
	rec = types.AffinityRecord{
		PersonaID:      personaID,
		InterlocutorID: interlocutorID,
		CurrentScore:   m.baseline,
		InitialScore:   m.baseline,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.PutAffinity(ctx, rec); err != nil {
		return types.AffinityRecord{}, fmt.Errorf("create affinity record: %w", err)
	}
	return rec, nil
}

// Update applies one set of signals to the pair's score. Signals are clamped
// to their documented ranges first, then combined with the fixed weights, and
// the resulting score is clamped into [0, 100]. The applied update lands in
// the history table.
func (m *Model) Update(ctx context.Context, personaID, interlocutorID string, signals types.AffinitySignals, reason string) (types.AffinityUpdate, error) {
	lock := m.lockFor(personaID, interlocutorID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.getOrCreate(ctx, personaID, interlocutorID)
	if err != nil {
		return types.AffinityUpdate{}, err
	}

	clamped := clampSignals(signals)
	delta := WeightSentiment*clamped.MessageSentiment +
		WeightFrequency*clamped.Frequency +
		WeightQuality*clamped.QualitySignal +
		WeightDecay*clamped.DecaySignal

	newScore := clampScore(rec.CurrentScore + delta)
	applied := newScore - rec.CurrentScore

	rec.CurrentScore = newScore
	rec.UpdatedAt = time.Now()
	if err := m.store.PutAffinity(ctx, rec); err != nil {
		return types.AffinityUpdate{}, fmt.Errorf("persist affinity update: %w", err)
	}
	if err := m.store.AppendAffinityHistory(ctx, types.AffinityHistoryEntry{
		PersonaID:      personaID,
		InterlocutorID: interlocutorID,
		Score:          newScore,
		Delta:          applied,
		Reason:         reason,
		Signals:        clamped,
		Timestamp:      rec.UpdatedAt,
	}); err != nil {
		// History is an audit trail; the score itself is already saved.
		log.Printf("[Affinity] history append failed for %s/%s: %v", personaID, interlocutorID, err)
	}

	return types.AffinityUpdate{NewScore: newScore, Delta: applied, Reason: reason}, nil
}

// ApplyMessage folds one turn's sentiment into the score and counts the
// message. Frequency, quality, and decay only apply at conversation end.
func (m *Model) ApplyMessage(ctx context.Context, personaID, interlocutorID string, sentiment float64) (types.AffinityUpdate, error) {
	update, err := m.Update(ctx, personaID, interlocutorID,
		types.AffinitySignals{MessageSentiment: sentiment}, "message")
	if err != nil {
		return types.AffinityUpdate{}, err
	}

	lock := m.lockFor(personaID, interlocutorID)
	lock.Lock()
	defer lock.Unlock()
	rec, err := m.getOrCreate(ctx, personaID, interlocutorID)
	if err != nil {
		return update, err
	}
	rec.TotalMessages++
	if err := m.store.PutAffinity(ctx, rec); err != nil {
		return update, fmt.Errorf("count message: %w", err)
	}
	return update, nil
}

// EndConversation applies the end-of-conversation signals: the diminishing
// frequency bonus, the depth-based quality bonus, and time decay from the
// gap since the previous conversation. It then stamps the conversation.
func (m *Model) EndConversation(ctx context.Context, personaID, interlocutorID string, rounds int, hadLongMessages bool) (types.AffinityUpdate, error) {
	lock := m.lockFor(personaID, interlocutorID)
	lock.Lock()
	rec, err := m.getOrCreate(ctx, personaID, interlocutorID)
	lock.Unlock()
	if err != nil {
		return types.AffinityUpdate{}, err
	}

	now := time.Now()
	signals := types.AffinitySignals{
		Frequency:     FrequencyBonus(rec.TotalConversations),
		QualitySignal: QualityBonus(rounds, hadLongMessages),
		DecaySignal:   TimeDecay(rec.LastConversationAt, now),
	}
	update, err := m.Update(ctx, personaID, interlocutorID, signals, "conversation_end")
	if err != nil {
		return types.AffinityUpdate{}, err
	}

	lock.Lock()
	defer lock.Unlock()
	rec, err = m.getOrCreate(ctx, personaID, interlocutorID)
	if err != nil {
		return update, err
	}
	rec.TotalConversations++
	rec.LastConversationAt = &now
	if err := m.store.PutAffinity(ctx, rec); err != nil {
		return update, fmt.Errorf("stamp conversation: %w", err)
	}
	return update, nil
}

func clampScore(score float64) float64 {
	if score < types.AffinityMin {
		return types.AffinityMin
	}
	if score > types.AffinityMax {
		return types.AffinityMax
	}
	return score
}

func clampSignals(s types.AffinitySignals) types.AffinitySignals {
	return types.AffinitySignals{
		MessageSentiment: clamp(s.MessageSentiment, -10, 10),
		Frequency:        clamp(s.Frequency, 0, 1),
		QualitySignal:    clamp(s.QualitySignal, 0, 2),
		DecaySignal:      clamp(s.DecaySignal, -10, 0),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
