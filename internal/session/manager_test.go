package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afslabs/companion/internal/affinity"
	"github.com/afslabs/companion/internal/embedding"
	"github.com/afslabs/companion/internal/indexer"
	"github.com/afslabs/companion/internal/llm"
	"github.com/afslabs/companion/internal/memory"
	"github.com/afslabs/companion/internal/pipeline"
	"github.com/afslabs/companion/internal/store"
	"github.com/afslabs/companion/internal/vectorindex"
	"github.com/afslabs/companion/pkg/types"
)

// stubGen returns a fixed-length ASCII reply so turn costs are predictable:
// 400 ASCII runes estimate to exactly 100 tokens.
type stubGen struct {
	mu      sync.Mutex
	prompts []string
}

func (g *stubGen) Complete(ctx context.Context, prompt string, opts llm.CompletionOptions) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	return strings.Repeat("a", 400), nil
}

func (g *stubGen) GetModel() string { return "stub" }

func (g *stubGen) promptCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

// stubEmbedBackend optionally sleeps per uncached embed, which holds the
// background indexing run open long enough for queued sends to land.
type stubEmbedBackend struct{ delay time.Duration }

func (s stubEmbedBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	vec := make([]float32, 4)
	for i := range vec {
		vec[i] = float32((len(text)+i)%7) + 1
	}
	return vec, nil
}

func (s stubEmbedBackend) GetModel() string { return "stub-embed" }

// recorderSink captures lifecycle events for assertion.
type recorderSink struct {
	events chan types.Event
}

func newRecorderSink() *recorderSink {
	return &recorderSink{events: make(chan types.Event, 64)}
}

func (r *recorderSink) Publish(evt types.Event) { r.events <- evt }

// waitEvent blocks until an event of the given type arrives, skipping others.
func (r *recorderSink) waitEvent(t *testing.T, eventType string) types.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-r.events:
			if evt.Type == eventType {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", eventType)
			return types.Event{}
		}
	}
}

type sessionFixture struct {
	manager  *Manager
	sink     *recorderSink
	gen      *stubGen
	affinity *affinity.Model
}

func newSessionFixture(t *testing.T, budget int, embedDelay time.Duration) *sessionFixture {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idx, err := vectorindex.NewChromemIndex("")
	require.NoError(t, err)

	embedder, err := embedding.NewProvider(stubEmbedBackend{delay: embedDelay}, 64, embedding.FallbackError)
	require.NoError(t, err)

	gen := &stubGen{}
	model := affinity.NewModel(st)
	p := pipeline.New(pipeline.Deps{
		Embedder:   embedder,
		Index:      idx,
		TopK:       5,
		Affinity:   model,
		Classifier: affinity.LexiconClassifier{},
		Generator:  gen,
		MaxTokens:  500,
	})
	idxManager := indexer.NewManager(st, memory.NewChunker(), embedder, idx)
	sink := newRecorderSink()

	return &sessionFixture{
		manager:  NewManager(p, EstimatingCounter{}, idxManager, model, sink, budget),
		sink:     sink,
		gen:      gen,
		affinity: model,
	}
}

func (f *sessionFixture) createSession(t *testing.T) types.ChatSession {
	t.Helper()
	info, err := f.manager.CreateSession("grandma", "kid", "family", "You are a kind grandmother.")
	require.NoError(t, err)
	return info
}

func TestCreateSession_Defaults(t *testing.T) {
	f := newSessionFixture(t, 1000, 0)

	info, err := f.manager.CreateSession("grandma", "kid", "", "role")
	require.NoError(t, err)
	assert.NotEmpty(t, info.SessionID)
	assert.Equal(t, "stranger", info.RelationType, "missing relation defaults to stranger")
	assert.Equal(t, types.SessionActive, info.State)
	assert.Equal(t, 1000, info.TokenBudget)

	_, err = f.manager.CreateSession("", "kid", "family", "role")
	assert.Error(t, err)
}

func TestSendMessage_UnknownSession(t *testing.T) {
	f := newSessionFixture(t, 1000, 0)
	_, err := f.manager.SendMessage(context.Background(), "no-such-id", "hi")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSendMessage_RejectsEmptyInput(t *testing.T) {
	f := newSessionFixture(t, 1000, 0)
	info := f.createSession(t)

	_, err := f.manager.SendMessage(context.Background(), info.SessionID, "   ")
	assert.Error(t, err)
}

func TestSendMessage_ChargesTokensPerTurn(t *testing.T) {
	f := newSessionFixture(t, 10000, 0)
	info := f.createSession(t)

	// "hi" costs 1 token, the 400-rune reply costs 100.
	reply, err := f.manager.SendMessage(context.Background(), info.SessionID, "hi")
	require.NoError(t, err)
	assert.Equal(t, 101, reply.TokensUsed)
	assert.Equal(t, types.SessionActive, reply.State)
	assert.Empty(t, reply.Warning)
}

func TestSendMessage_FatigueLifecycle(t *testing.T) {
	f := newSessionFixture(t, 300, 0)
	info := f.createSession(t)
	ctx := context.Background()

	// Turn 1: 101/300, below every threshold.
	reply, err := f.manager.SendMessage(ctx, info.SessionID, "hi")
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, reply.State)

	// Turn 2: 202/300 crosses 60%. Gentle warning, exactly one event.
	reply, err = f.manager.SendMessage(ctx, info.SessionID, "hi")
	require.NoError(t, err)
	assert.Equal(t, types.SessionFatigueWarned, reply.State)
	assert.NotEmpty(t, reply.Warning)

	evt := f.sink.waitEvent(t, types.EventTokenThreshold)
	assert.Equal(t, 60, evt.Threshold)
	assert.Equal(t, info.SessionID, evt.SessionID)

	// Turn 3: 303/300 crosses 70%. The persona goes offline to index.
	reply, err = f.manager.SendMessage(ctx, info.SessionID, "hi")
	require.NoError(t, err)
	assert.Equal(t, types.SessionOfflineIndexing, reply.State)
	assert.NotEmpty(t, reply.Warning)

	evt = f.sink.waitEvent(t, types.EventTokenThreshold)
	assert.Equal(t, 70, evt.Threshold)

	started := f.sink.waitEvent(t, types.EventIndexingStatus)
	assert.Equal(t, types.IndexingStarted, started.Status)

	online := f.sink.waitEvent(t, types.EventRoleCardOnline)
	assert.True(t, online.ReadyToChat)

	status, err := f.manager.Status(info.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionOfflineIdle, status.State)
}

func TestSendMessage_QueuesWhileOffline(t *testing.T) {
	f := newSessionFixture(t, 300, 100*time.Millisecond)
	info := f.createSession(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.manager.SendMessage(ctx, info.SessionID, "hi")
		require.NoError(t, err)
	}
	turnsBeforeQueue := f.gen.promptCount()

	// Offline now; these queue instead of generating.
	first, err := f.manager.SendMessage(ctx, info.SessionID, "are you there")
	require.NoError(t, err)
	assert.True(t, first.Queued)
	assert.Equal(t, 1, first.PendingMessageCount)
	assert.NotEmpty(t, first.Text, "queued messages still get an acknowledgement")

	second, err := f.manager.SendMessage(ctx, info.SessionID, "hello again")
	require.NoError(t, err)
	assert.True(t, second.Queued)
	assert.Equal(t, 2, second.PendingMessageCount)

	assert.Equal(t, turnsBeforeQueue, f.gen.promptCount(), "queued messages never reach the generator")

	started := f.sink.waitEvent(t, types.EventIndexingStatus)
	assert.Equal(t, types.IndexingStarted, started.Status)

	completed := f.sink.waitEvent(t, types.EventIndexingStatus)
	assert.Equal(t, types.IndexingCompleted, completed.Status)
	assert.Equal(t, 2, completed.PendingMessageCount, "completion reports how many messages queued up meanwhile")

	online := f.sink.waitEvent(t, types.EventRoleCardOnline)
	assert.Equal(t, 2, online.PendingMessageCount)
}

func TestResume_ReplaysQueuedMessagesInOrder(t *testing.T) {
	f := newSessionFixture(t, 300, 100*time.Millisecond)
	info := f.createSession(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.manager.SendMessage(ctx, info.SessionID, "hi")
		require.NoError(t, err)
	}
	_, err := f.manager.SendMessage(ctx, info.SessionID, "first one")
	require.NoError(t, err)
	_, err = f.manager.SendMessage(ctx, info.SessionID, "second one")
	require.NoError(t, err)

	f.sink.waitEvent(t, types.EventRoleCardOnline)

	replies, err := f.manager.Resume(ctx, info.SessionID)
	require.NoError(t, err)
	require.Len(t, replies, 2)
	for _, reply := range replies {
		assert.False(t, reply.Queued)
	}

	f.gen.mu.Lock()
	prompts := append([]string(nil), f.gen.prompts...)
	f.gen.mu.Unlock()
	require.GreaterOrEqual(t, len(prompts), 5)
	assert.Contains(t, prompts[len(prompts)-2], "first one")
	assert.Contains(t, prompts[len(prompts)-1], "second one")

	status, err := f.manager.Status(info.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.PendingMessageCount)
	assert.Equal(t, 206, status.TokensUsed, "resume resets the budget before replay")
}

func TestResume_RequiresOfflineIdle(t *testing.T) {
	f := newSessionFixture(t, 1000, 0)
	info := f.createSession(t)

	_, err := f.manager.Resume(context.Background(), info.SessionID)
	assert.Error(t, err, "an active session has nothing to resume")
}

func TestEndSession_ClosesAndStampsAffinity(t *testing.T) {
	f := newSessionFixture(t, 10000, 0)
	info := f.createSession(t)
	ctx := context.Background()

	_, err := f.manager.SendMessage(ctx, info.SessionID, "hi")
	require.NoError(t, err)

	require.NoError(t, f.manager.EndSession(ctx, info.SessionID))

	status, err := f.manager.Status(info.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionClosed, status.State)

	_, err = f.manager.SendMessage(ctx, info.SessionID, "hello?")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, f.manager.EndSession(ctx, info.SessionID), ErrSessionClosed)

	rec, err := f.affinity.GetScore(ctx, "grandma", "kid")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.TotalConversations)
	assert.NotNil(t, rec.LastConversationAt)
}

func TestSendMessage_FarewellEndsSession(t *testing.T) {
	f := newSessionFixture(t, 10000, 0)
	info := f.createSession(t)
	ctx := context.Background()

	reply, err := f.manager.SendMessage(ctx, info.SessionID, "goodbye")
	require.NoError(t, err)
	assert.True(t, reply.EndOfConversation)

	status, err := f.manager.Status(info.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionClosed, status.State)
}

func TestEstimatingCounter_WeightsByScript(t *testing.T) {
	c := EstimatingCounter{}

	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("abcd"), "four ASCII runes round up to one token")
	assert.Equal(t, 100, c.Count(strings.Repeat("a", 400)))
	assert.Equal(t, 3, c.Count("你好"), "CJK weighs 1.5 per rune")
	assert.Equal(t, 8, c.Count("こんにちは"))
	assert.Equal(t, 2, c.Count("héllo"), "accented latin weighs 0.5")
}

func TestSummarizeTranscript(t *testing.T) {
	rounds, hadLong := summarizeTranscript([]types.Message{
		{Role: "user", Content: "short"},
		{Role: "assistant", Content: strings.Repeat("x", 200)},
		{Role: "user", Content: strings.Repeat("y", 60)},
		{Role: "assistant", Content: "ok"},
	})
	assert.Equal(t, 2, rounds)
	assert.True(t, hadLong, "only user messages count toward the long-message flag")
}
