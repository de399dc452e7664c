// ABOUTME: Orchestrator tests: metering, dispatch, partial failure, triggers
// ABOUTME: Uses the real sqlite store, rule oracle and inline/queued strategies

package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlor-chat/parlor-gateway/internal/auth"
	"github.com/parlor-chat/parlor-gateway/internal/credits"
	"github.com/parlor-chat/parlor-gateway/internal/events"
	"github.com/parlor-chat/parlor-gateway/internal/generation"
	"github.com/parlor-chat/parlor-gateway/internal/jobs"
	"github.com/parlor-chat/parlor-gateway/internal/oracle"
	"github.com/parlor-chat/parlor-gateway/internal/presence"
	"github.com/parlor-chat/parlor-gateway/internal/store"
	"github.com/parlor-chat/parlor-gateway/internal/translate"
)

type broadcastCall struct {
	roomID string
	event  string
	data   any
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (r *recordingBroadcaster) BroadcastRoom(roomID, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, broadcastCall{roomID: roomID, event: event, data: data})
}

func (r *recordingBroadcaster) BroadcastRoomExcept(roomID, exceptUserID, event string, data any) {
	r.BroadcastRoom(roomID, event, data)
}

func (r *recordingBroadcaster) byEvent(event string) []broadcastCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcastCall
	for _, c := range r.calls {
		if c.event == event {
			out = append(out, c)
		}
	}
	return out
}

func (r *recordingBroadcaster) waitFor(t *testing.T, event string, n int) []broadcastCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.byEvent(event); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events, have %d", n, event, len(r.byEvent(event)))
	return nil
}

type fixture struct {
	store     *store.SQLiteStore
	broadcast *recordingBroadcaster
	generator *generation.Scripted
	guard     *credits.Guard
	estimator *credits.Estimator
	tracker   *presence.Tracker
	svc       *Service
	inline    *InlineStrategy
}

type fixtureOpts struct {
	unitCost     int64
	surchargePct int
	threshold    int
	queued       bool
	prefetch     bool
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	if opts.unitCost == 0 {
		opts.unitCost = 5
	}

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b := &recordingBroadcaster{}
	gen := generation.NewScripted()
	guard := credits.NewGuard(s, nil)
	estimator := credits.NewEstimator(opts.unitCost, opts.surchargePct, nil)
	queue := jobs.NewQueue(s, nil, nil)

	var strategy Strategy
	var inline *InlineStrategy
	if opts.queued {
		strategy = NewQueuedStrategy(queue, b, nil)
	} else {
		inline = NewInlineStrategy(s, gen, guard, b, nil)
		strategy = inline
	}

	var prefetcher *translate.Prefetcher
	if opts.prefetch {
		prefetcher = translate.NewPrefetcher(translate.Tagging{}, nil)
	}

	tracker := presence.NewTracker(nil)
	svc := NewService(Config{
		Store:               s,
		Gate:                auth.NewGate(s, nil),
		Oracle:              oracle.NewRuleOracle(nil, nil),
		Estimator:           estimator,
		Guard:               guard,
		Strategy:            strategy,
		Broadcaster:         b,
		Queue:               queue,
		Prefetcher:          prefetcher,
		Roster:              tracker,
		CompactionThreshold: opts.threshold,
	})
	return &fixture{store: s, broadcast: b, generator: gen, guard: guard, estimator: estimator, tracker: tracker, svc: svc, inline: inline}
}

func (f *fixture) seedRoom(t *testing.T, roomID string, sensitive bool, bots ...string) {
	t.Helper()
	ctx := t.Context()
	require.NoError(t, f.store.CreateRoom(ctx, &store.Room{
		ID: roomID, Name: roomID, OwnerID: "alice", Kind: store.RoomKindGroup,
		Sensitive: sensitive, CreatedAt: time.Now(),
	}))
	require.NoError(t, f.store.AddMember(ctx, &store.RoomMember{
		RoomID: roomID, UserID: "alice", Kind: store.MemberKindHuman,
		DisplayName: "Alice", Language: "en", JoinedAt: time.Now(),
	}))
	for _, bot := range bots {
		require.NoError(t, f.store.AddMember(ctx, &store.RoomMember{
			RoomID: roomID, UserID: bot, Kind: store.MemberKindBot,
			DisplayName: bot, JoinedAt: time.Now(),
		}))
	}
}

func (f *fixture) grant(t *testing.T, userID string, amount int64) {
	t.Helper()
	require.NoError(t, f.store.RecordTransaction(t.Context(), &store.CreditTransaction{
		ID: "grant-" + userID, UserID: userID, Delta: amount, Memo: "signup grant", CreatedAt: time.Now(),
	}))
}

func (f *fixture) waitBalance(t *testing.T, userID string, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := f.store.Balance(t.Context(), userID)
		require.NoError(t, err)
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("balance for %s never reached %d, have %d", userID, want, got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var alice = &auth.Identity{UserID: "alice", DisplayName: "Alice", Language: "en"}

func TestTurnHappyPathTwoBots(t *testing.T) {
	f := newFixture(t, fixtureOpts{unitCost: 5})
	f.seedRoom(t, "room-1", false, "bot-1", "bot-2")
	f.grant(t, "alice", 100)
	f.generator.Reply("bot-1", "one").Reply("bot-2", "two")

	ack := f.svc.SendMessage(t.Context(), alice, &events.SendMessagePayload{RoomID: "room-1", Content: "hello all"})

	require.True(t, ack.Success)
	require.NotNil(t, ack.Data)
	assert.Equal(t, "hello all", ack.Data.Content)
	assert.ElementsMatch(t, []string{"bot-1", "bot-2"}, ack.RespondingBots)
	assert.Equal(t, int64(10), ack.EstimatedCreditCost)

	// One typing indicator per responding participant, before any response.
	starts := f.broadcast.byEvent(events.OutTypingStart)
	require.Len(t, starts, 2)

	// Both responses land and each is followed by a stop.
	f.broadcast.waitFor(t, events.OutMessageReceived, 3) // sender's message + two responses
	f.broadcast.waitFor(t, events.OutTypingStop, 2)

	// Each participant's share billed exactly once: 100 - 2*5.
	f.waitBalance(t, "alice", 90)

	txs, err := f.store.ListTransactions(t.Context(), "alice", 10)
	require.NoError(t, err)
	charges := 0
	for _, tx := range txs {
		if tx.Delta < 0 {
			charges++
			assert.Equal(t, int64(-5), tx.Delta)
			assert.NotEmpty(t, tx.MessageID)
		}
	}
	assert.Equal(t, 2, charges)
}

func TestTurnInsufficientCredits(t *testing.T) {
	f := newFixture(t, fixtureOpts{unitCost: 5})
	f.seedRoom(t, "room-1", false, "bot-1", "bot-2")
	f.grant(t, "alice", 1)

	ack := f.svc.SendMessage(t.Context(), alice, &events.SendMessagePayload{RoomID: "room-1", Content: "hello"})

	require.False(t, ack.Success)
	assert.Equal(t, ErrCodeInsufficientCredits, ack.Error)
	assert.Equal(t, int64(10), ack.Required)
	assert.Equal(t, int64(1), ack.Current)

	// No typing indicators, no generation, no charge.
	assert.Empty(t, f.broadcast.byEvent(events.OutTypingStart))
	assert.Empty(t, f.generator.Calls())
	balance, err := f.store.Balance(t.Context(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)

	// The message itself was accepted and delivered.
	msgs, err := f.store.ListRoomMessages(t.Context(), "room-1", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestTurnAccessDenied(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.seedRoom(t, "room-1", false, "bot-1")

	mallory := &auth.Identity{UserID: "mallory", DisplayName: "Mallory"}
	ack := f.svc.SendMessage(t.Context(), mallory, &events.SendMessagePayload{RoomID: "room-1", Content: "let me in"})

	require.False(t, ack.Success)
	assert.Equal(t, ErrCodeAccessDenied, ack.Error)

	msgs, err := f.store.ListRoomMessages(t.Context(), "room-1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestInlinePartialFailureIsolated(t *testing.T) {
	f := newFixture(t, fixtureOpts{unitCost: 5})
	f.seedRoom(t, "room-1", false, "bot-1", "bot-2")
	f.grant(t, "alice", 100)
	f.generator.Reply("bot-1", "still works").Fail("bot-2", errors.New("engine down"))

	ack := f.svc.SendMessage(t.Context(), alice, &events.SendMessagePayload{RoomID: "room-1", Content: "hello"})
	require.True(t, ack.Success)

	// The healthy participant's response arrives; the failed one reports an
	// error naming it. Both clear their typing indicators.
	f.broadcast.waitFor(t, events.OutMessageReceived, 2)
	errCalls := f.broadcast.waitFor(t, events.OutError, 1)
	ev, ok := errCalls[0].data.(*events.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "bot-2", ev.ParticipantID)
	f.broadcast.waitFor(t, events.OutTypingStop, 2)

	// Only the successful share is billed.
	f.waitBalance(t, "alice", 95)

	msgs, err := f.store.ListRoomMessages(t.Context(), "room-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2) // alice's message + bot-1's response
}

type failingSaveStore struct{}

func (failingSaveStore) SaveMessage(context.Context, *store.Message) error {
	return errors.New("disk full")
}

type countingCharger struct {
	mu    sync.Mutex
	calls int
}

func (c *countingCharger) Charge(context.Context, string, int64, string, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func TestInlinePersistFailureReportsParticipant(t *testing.T) {
	b := &recordingBroadcaster{}
	charger := &countingCharger{}
	gen := generation.NewScripted().Reply("bot-1", "lost response")
	strategy := NewInlineStrategy(failingSaveStore{}, gen, charger, b, nil)

	strategy.Dispatch(t.Context(), &Dispatch{
		Room:             &store.Room{ID: "room-1"},
		Message:          &store.Message{ID: "msg-1"},
		RequestingUserID: "alice",
		ParticipantIDs:   []string{"bot-1"},
		CostShare:        5,
	})
	strategy.Drain()

	// The room learns which participant failed, the indicator clears, and
	// nothing is billed for the lost response.
	errs := b.byEvent(events.OutError)
	require.Len(t, errs, 1)
	ev, ok := errs[0].data.(*events.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "bot-1", ev.ParticipantID)

	require.Len(t, b.byEvent(events.OutTypingStop), 1)
	assert.Empty(t, b.byEvent(events.OutMessageReceived))
	assert.Zero(t, charger.calls)
}

func TestSensitiveSurchargeAndShareRounding(t *testing.T) {
	f := newFixture(t, fixtureOpts{unitCost: 5, surchargePct: 50})
	f.seedRoom(t, "room-1", true, "bot-1", "bot-2")
	f.grant(t, "alice", 100)
	f.generator.Reply("bot-1", "one").Reply("bot-2", "two")

	ack := f.svc.SendMessage(t.Context(), alice, &events.SendMessagePayload{RoomID: "room-1", Content: "hello"})
	require.True(t, ack.Success)

	// base 10, +50% surcharge = 15; share ceil(15/2) = 8 per participant.
	assert.Equal(t, int64(15), ack.EstimatedCreditCost)
	f.waitBalance(t, "alice", 100-16)
}

func TestMentionRoutesToOneBot(t *testing.T) {
	f := newFixture(t, fixtureOpts{unitCost: 5})
	f.seedRoom(t, "room-1", false, "bot-1", "bot-2")
	f.grant(t, "alice", 100)
	f.generator.Reply("bot-1", "just me")

	ack := f.svc.SendMessage(t.Context(), alice, &events.SendMessagePayload{RoomID: "room-1", Content: "hey @bot-1 only you"})
	require.True(t, ack.Success)
	assert.Equal(t, []string{"bot-1"}, ack.RespondingBots)
	assert.Equal(t, int64(5), ack.EstimatedCreditCost)

	f.waitBalance(t, "alice", 95)
}

func TestRoomWithoutBots(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.seedRoom(t, "room-1", false)
	f.grant(t, "alice", 100)

	ack := f.svc.SendMessage(t.Context(), alice, &events.SendMessagePayload{RoomID: "room-1", Content: "anyone here?"})

	require.True(t, ack.Success)
	assert.Empty(t, ack.RespondingBots)
	assert.Zero(t, ack.EstimatedCreditCost)
	assert.Empty(t, f.broadcast.byEvent(events.OutTypingStart))
}

func TestQueuedDispatchPersistsJobs(t *testing.T) {
	f := newFixture(t, fixtureOpts{unitCost: 5, queued: true})
	f.seedRoom(t, "room-1", false, "bot-1", "bot-2")
	f.grant(t, "alice", 100)

	ack := f.svc.SendMessage(t.Context(), alice, &events.SendMessagePayload{RoomID: "room-1", Content: "hello"})
	require.True(t, ack.Success)

	// One durable job per responding participant; nothing billed yet.
	n, err := f.store.PendingJobCount(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	balance, err := f.store.Balance(t.Context(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	// A retry of the same turn does not double-queue.
	job1, err := f.store.ClaimJob(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "alice", job1.RequestingUserID)
	assert.Equal(t, int64(5), job1.CostShare)
	assert.Equal(t, ack.Data.ID, job1.LastMessageID)
}

func TestCompactionTrigger(t *testing.T) {
	f := newFixture(t, fixtureOpts{unitCost: 5, threshold: 3})
	f.seedRoom(t, "room-1", false)
	f.grant(t, "alice", 100)

	for i := 0; i < 3; i++ {
		ack := f.svc.SendMessage(t.Context(), alice, &events.SendMessagePayload{RoomID: "room-1", Content: "filler"})
		require.True(t, ack.Success)
	}

	f.broadcast.waitFor(t, events.OutCompactionStarted, 1)

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := f.store.PendingJobCount(t.Context())
		require.NoError(t, err)
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("compaction job never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTranslationPrefetchBroadcast(t *testing.T) {
	f := newFixture(t, fixtureOpts{prefetch: true})
	f.seedRoom(t, "room-1", false)
	require.NoError(t, f.store.AddMember(t.Context(), &store.RoomMember{
		RoomID: "room-1", UserID: "benoit", Kind: store.MemberKindHuman,
		DisplayName: "Benoit", Language: "fr", AutoTranslate: true, JoinedAt: time.Now(),
	}))
	// Dieter opted in too but is offline; no translation is prepared for him.
	require.NoError(t, f.store.AddMember(t.Context(), &store.RoomMember{
		RoomID: "room-1", UserID: "dieter", Kind: store.MemberKindHuman,
		DisplayName: "Dieter", Language: "de", AutoTranslate: true, JoinedAt: time.Now(),
	}))
	f.tracker.Join("room-1", "alice", "c1")
	f.tracker.Join("room-1", "benoit", "c2")

	ack := f.svc.SendMessage(t.Context(), alice, &events.SendMessagePayload{
		RoomID: "room-1", Content: "The quick brown fox jumps over the lazy dog",
	})
	require.True(t, ack.Success)

	calls := f.broadcast.waitFor(t, events.OutMessageTranslations, 1)
	payload, ok := calls[0].data.(*events.MessageTranslations)
	require.True(t, ok)
	assert.Equal(t, ack.Data.ID, payload.MessageID)
	assert.Contains(t, payload.Translations, "fr")
	assert.NotContains(t, payload.Translations, "de")
}

func TestTranslationPrefetchSkipsDirectRooms(t *testing.T) {
	f := newFixture(t, fixtureOpts{prefetch: true})
	ctx := t.Context()
	require.NoError(t, f.store.CreateRoom(ctx, &store.Room{
		ID: "dm-1", Name: "dm-1", OwnerID: "alice", Kind: store.RoomKindDirect, CreatedAt: time.Now(),
	}))
	require.NoError(t, f.store.AddMember(ctx, &store.RoomMember{
		RoomID: "dm-1", UserID: "alice", Kind: store.MemberKindHuman,
		DisplayName: "Alice", Language: "en", JoinedAt: time.Now(),
	}))
	require.NoError(t, f.store.AddMember(ctx, &store.RoomMember{
		RoomID: "dm-1", UserID: "benoit", Kind: store.MemberKindHuman,
		DisplayName: "Benoit", Language: "fr", AutoTranslate: true, JoinedAt: time.Now(),
	}))
	f.tracker.Join("dm-1", "alice", "c1")
	f.tracker.Join("dm-1", "benoit", "c2")

	ack := f.svc.SendMessage(ctx, alice, &events.SendMessagePayload{
		RoomID: "dm-1", Content: "The quick brown fox jumps over the lazy dog",
	})
	require.True(t, ack.Success)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.broadcast.byEvent(events.OutMessageTranslations))
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.seedRoom(t, "room-1", false)
	require.NoError(t, f.store.AddMember(t.Context(), &store.RoomMember{
		RoomID: "room-1", UserID: "bob", Kind: store.MemberKindHuman, DisplayName: "Bob", JoinedAt: time.Now(),
	}))

	ack := f.svc.SendMessage(t.Context(), alice, &events.SendMessagePayload{RoomID: "room-1", Content: "oops"})
	require.True(t, ack.Success)

	bob := &auth.Identity{UserID: "bob", DisplayName: "Bob"}

	// Another member cannot delete someone else's message.
	err := f.svc.DeleteMessage(t.Context(), bob, &events.DeleteMessagePayload{RoomID: "room-1", MessageID: ack.Data.ID})
	assert.ErrorIs(t, err, auth.ErrAccessDenied)

	// The author can.
	require.NoError(t, f.svc.DeleteMessage(t.Context(), alice, &events.DeleteMessagePayload{RoomID: "room-1", MessageID: ack.Data.ID}))

	deleted := f.broadcast.byEvent(events.OutMessageDeleted)
	require.Len(t, deleted, 1)

	// Tombstoned messages drop out of history reads.
	msgs, err := f.store.ListRoomMessages(t.Context(), "room-1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeleteMessageRoomOwnerOverride(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.seedRoom(t, "room-1", false)
	require.NoError(t, f.store.AddMember(t.Context(), &store.RoomMember{
		RoomID: "room-1", UserID: "bob", Kind: store.MemberKindHuman, DisplayName: "Bob", JoinedAt: time.Now(),
	}))

	bob := &auth.Identity{UserID: "bob", DisplayName: "Bob"}
	ack := f.svc.SendMessage(t.Context(), bob, &events.SendMessagePayload{RoomID: "room-1", Content: "spam"})
	require.True(t, ack.Success)

	// Alice owns the room and may remove any message in it.
	require.NoError(t, f.svc.DeleteMessage(t.Context(), alice, &events.DeleteMessagePayload{RoomID: "room-1", MessageID: ack.Data.ID}))
}

func TestEnsureSessionRoom(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	roomID, err := f.svc.EnsureSessionRoom(t.Context(), "chargen", "sess-1", alice)
	require.NoError(t, err)
	assert.Equal(t, "chargen:sess-1", roomID)

	room, err := f.store.GetRoom(t.Context(), roomID)
	require.NoError(t, err)
	assert.Equal(t, "alice", room.OwnerID)
	assert.Equal(t, "chargen", room.Kind)

	members, err := f.store.ListMembers(t.Context(), roomID)
	require.NoError(t, err)
	require.Len(t, members, 2)

	kinds := map[string]string{}
	for _, m := range members {
		kinds[m.UserID] = m.Kind
	}
	assert.Equal(t, store.MemberKindBot, kinds["chargen-assistant"])
	assert.Equal(t, store.MemberKindHuman, kinds["alice"])

	// Rejoining is idempotent.
	again, err := f.svc.EnsureSessionRoom(t.Context(), "chargen", "sess-1", alice)
	require.NoError(t, err)
	assert.Equal(t, roomID, again)

	members, err = f.store.ListMembers(t.Context(), roomID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}
