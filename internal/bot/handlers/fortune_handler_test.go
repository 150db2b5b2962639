package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yupoline/yupoline/internal/config"
	"github.com/yupoline/yupoline/internal/database"
	"github.com/yupoline/yupoline/internal/gemini"
	"github.com/yupoline/yupoline/internal/line"
)

type fakeMessenger struct {
	mu          sync.Mutex
	replies     []line.Message
	profileErr  error
	displayName string
}

func (m *fakeMessenger) Reply(_ context.Context, _ string, messages ...line.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, messages...)
	return nil
}

func (m *fakeMessenger) Push(context.Context, string, ...line.Message) error { return nil }

func (m *fakeMessenger) GetProfile(_ context.Context, userID string) (*line.Profile, error) {
	if m.profileErr != nil {
		return nil, m.profileErr
	}
	return &line.Profile{UserID: userID, DisplayName: m.displayName}, nil
}

func (m *fakeMessenger) lastReply() line.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		return line.Message{}
	}
	return m.replies[len(m.replies)-1]
}

type fakeEngine struct {
	mu            sync.Mutex
	fortuneErr    error
	requests      []string
	consultations []string
	analysis      *gemini.ProfileAnalysis
	analyzed      int
}

func (e *fakeEngine) RunFortuneTelling(_ context.Context, request string, _ *database.UserProfile, _ []database.Conversation) (gemini.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, request)
	if e.fortuneErr != nil {
		return gemini.Result{}, e.fortuneErr
	}
	return gemini.Result{Text: "あなたの運勢は上昇中です", Metadata: gemini.Metadata{Model: "test-model"}}, nil
}

func (e *fakeEngine) RunConsultation(_ context.Context, message string, _ *database.UserProfile, _ []database.Conversation) (gemini.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consultations = append(e.consultations, message)
	return gemini.Result{Text: "お話ししてくれてありがとう", Metadata: gemini.Metadata{Model: "test-model"}}, nil
}

func (e *fakeEngine) AnalyzeProfile(context.Context, []database.Conversation, *database.UserProfile) *gemini.ProfileAnalysis {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.analyzed++
	return e.analysis
}

type testEnv struct {
	db        *sqlx.DB
	store     database.Store
	engine    *fakeEngine
	messenger *fakeMessenger
	deps      HandlerDeps
	bot       *line.Bot
	handle    EventHandlerFunc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.NewDB(database.Options{Driver: database.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db) })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		db:        db,
		store:     database.NewStore(db, log),
		engine:    &fakeEngine{},
		messenger: &fakeMessenger{displayName: "テスト"},
	}
	env.deps = HandlerDeps{
		Logger:       log,
		Config:       testConfig(),
		Store:        env.store,
		GeminiClient: env.engine,
		Background:   &sync.WaitGroup{},
	}
	env.bot = &line.Bot{Type: line.BotFortune, Messenger: env.messenger}
	env.handle = NewFortuneHandler(env.deps)
	return env
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{MaxConcurrentEvents: 4},
		Conversation: config.ConversationConfig{
			StartKeyword:        config.DefaultStartKeyword,
			ConsultationKeyword: config.DefaultConsultationKeyword,
			FortuneHistory:      config.DefaultFortuneHistory,
			ConsultationHistory: config.DefaultConsultationHistory,
			AnalysisEvery:       config.DefaultAnalysisEvery,
			AnalysisTimeout:     time.Minute,
			SessionTTL:          config.DefaultSessionTTL,
		},
		Messages: config.DefaultMessages,
	}
}

func textEvent(userID, text string) line.Event {
	return line.Event{
		Type:       line.EventTypeMessage,
		ReplyToken: "reply-" + userID,
		Source:     line.Source{Type: "user", UserID: userID},
		Message:    &line.EventMessage{ID: "m", Type: "text", Text: text},
	}
}

func (e *testEnv) send(t *testing.T, userID, text string) EventResult {
	t.Helper()
	return e.handle(context.Background(), e.bot, textEvent(userID, text))
}

func (e *testEnv) activeSession(t *testing.T, userID string, sessionType database.SessionType) *database.ConversationSession {
	t.Helper()
	session, err := e.store.GetActiveSession(context.Background(), userID, sessionType)
	require.NoError(t, err)
	return session
}

func (e *testEnv) activeCount(t *testing.T, userID string) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.Get(&n, `SELECT COUNT(*) FROM conversation_sessions WHERE line_user_id = ? AND status = 'active'`, userID))
	return n
}

func TestStartKeywordEntryState(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		profile   *database.ProfileUpdate
		wantState database.SessionState
		wantData  database.JSONMap
	}{
		{
			name:      "no profile",
			wantState: database.StateAskBirthdate,
			wantData:  database.JSONMap{},
		},
		{
			name:      "birth date only",
			profile:   &database.ProfileUpdate{BirthDate: strPtr("1990-01-15")},
			wantState: database.StateAskBloodType,
			wantData:  database.JSONMap{"birth_date": "1990-01-15"},
		},
		{
			name:      "birth date and blood type",
			profile:   &database.ProfileUpdate{BirthDate: strPtr("1990-01-15"), BloodType: strPtr("O")},
			wantState: database.StateAskCategory,
			wantData:  database.JSONMap{"birth_date": "1990-01-15", "blood_type": "O"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			ctx := context.Background()

			if tc.profile != nil {
				_, err := env.store.UpdateUserProfile(ctx, "U1", *tc.profile)
				require.NoError(t, err)
			}

			res := env.send(t, "U1", "無料鑑定")
			assert.Empty(t, res.Error)
			assert.Equal(t, actionFortuneStart, res.Action)

			session := env.activeSession(t, "U1", database.SessionFortuneTelling)
			require.NotNil(t, session)
			assert.Equal(t, tc.wantState, session.CurrentState)
			assert.Equal(t, tc.wantData, session.SessionData)
		})
	}
}

func TestStartKeywordSupersedesActiveSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.send(t, "U1", "無料鑑定")
	first := env.activeSession(t, "U1", database.SessionFortuneTelling)
	require.NotNil(t, first)

	env.send(t, "U1", "無料鑑定")
	second := env.activeSession(t, "U1", database.SessionFortuneTelling)
	require.NotNil(t, second)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, env.activeCount(t, "U1"))
}

func TestFortuneFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	msgs := env.deps.Config.Messages

	env.send(t, "U1", "無料鑑定")
	assert.Equal(t, msgs.AskBirthDate, env.messenger.lastReply().Text)

	// Unparsable input re-prompts and keeps the state.
	env.send(t, "U1", "lunchtime")
	assert.Equal(t, msgs.InvalidBirthDate, env.messenger.lastReply().Text)
	assert.Equal(t, database.StateAskBirthdate, env.activeSession(t, "U1", database.SessionFortuneTelling).CurrentState)

	env.send(t, "U1", "1990年1月15日")
	assert.Equal(t, database.StateAskBloodType, env.activeSession(t, "U1", database.SessionFortuneTelling).CurrentState)
	assert.Len(t, env.messenger.lastReply().QuickReplies, 4)

	env.send(t, "U1", "XYZ")
	assert.Equal(t, msgs.InvalidBloodType, env.messenger.lastReply().Text)

	env.send(t, "U1", "AB型")
	assert.Equal(t, database.StateAskCategory, env.activeSession(t, "U1", database.SessionFortuneTelling).CurrentState)
	assert.Len(t, env.messenger.lastReply().QuickReplies, 5)

	profile, err := env.store.GetUserProfile(ctx, "U1")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "1990-01-15", *profile.BirthDate)
	assert.Equal(t, "AB", *profile.BloodType)

	res := env.send(t, "U1", "恋愛と仕事")
	assert.Empty(t, res.Error)
	assert.Equal(t, "あなたの運勢は上昇中です", env.messenger.lastReply().Text)

	require.Len(t, env.engine.requests, 1)
	assert.Contains(t, env.engine.requests[0], "1990-01-15")
	assert.Contains(t, env.engine.requests[0], "AB型")
	assert.Contains(t, env.engine.requests[0], "恋愛運")

	assert.Nil(t, env.activeSession(t, "U1", database.SessionFortuneTelling))

	history, err := env.store.GetConversationHistory(ctx, "U1", string(database.SessionFortuneTelling), 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "恋愛運", history[0].MessageMetadata.String("category"))
	assert.Equal(t, "test-model", history[0].MessageMetadata.String("model"))
}

func TestFortuneEngineFailureApologizes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.engine.fortuneErr = errors.New("upstream unavailable")

	_, err := env.store.UpdateUserProfile(context.Background(), "U1",
		database.ProfileUpdate{BirthDate: strPtr("1990-01-15"), BloodType: strPtr("A")})
	require.NoError(t, err)

	env.send(t, "U1", "無料鑑定")
	res := env.send(t, "U1", "金運")

	assert.NotEmpty(t, res.Error)
	assert.Equal(t, env.deps.Config.Messages.GeneralError, env.messenger.lastReply().Text)

	session := env.activeSession(t, "U1", database.SessionFortuneTelling)
	require.NotNil(t, session)
	assert.Equal(t, database.StateAskCategory, session.CurrentState)
}

func TestUnknownStateRestartsFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	require.NoError(t, env.store.StartSession(context.Background(), &database.ConversationSession{
		LineUserID:   "U1",
		SessionType:  database.SessionFortuneTelling,
		CurrentState: "corrupted",
		SessionData:  database.JSONMap{"category": "恋愛運"},
	}))

	res := env.send(t, "U1", "hello")
	assert.Empty(t, res.Error)

	session := env.activeSession(t, "U1", database.SessionFortuneTelling)
	require.NotNil(t, session)
	assert.Equal(t, database.StateAskBirthdate, session.CurrentState)
	assert.Empty(t, session.SessionData)
	assert.Equal(t, env.deps.Config.Messages.AskBirthDate, env.messenger.lastReply().Text)
}

func TestChangeIntentsBypassSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.UpdateUserProfile(ctx, "U1", database.ProfileUpdate{BirthDate: strPtr("1990-01-15")})
	require.NoError(t, err)

	res := env.send(t, "U1", "血液型をBに変更")
	assert.Equal(t, actionBloodTypeChange, res.Action)
	assert.Equal(t, "血液型を B型 に更新しました。", env.messenger.lastReply().Text)

	profile, err := env.store.GetUserProfile(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "1990-01-15", *profile.BirthDate)
	assert.Equal(t, "B", *profile.BloodType)

	res = env.send(t, "U1", "誕生日を修正したい")
	assert.Equal(t, actionBirthDateChange, res.Action)
	assert.Equal(t, env.deps.Config.Messages.InvalidBirthDate, env.messenger.lastReply().Text)

	env.send(t, "U1", "誕生日を修正 1985/4/3")
	profile, err = env.store.GetUserProfile(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "1985-04-03", *profile.BirthDate)
	assert.Equal(t, "B", *profile.BloodType)

	assert.Equal(t, 0, env.activeCount(t, "U1"))
}

func TestConsultationFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.engine.analysis = &gemini.ProfileAnalysis{Interests: []string{"料理"}, CommunicationStyle: "丁寧"}

	res := env.send(t, "U1", "相談")
	assert.Equal(t, actionConsultationStart, res.Action)
	assert.Equal(t, env.deps.Config.Messages.ConsultationOpening, env.messenger.lastReply().Text)

	for _, text := range []string{"仕事がつらい", "上司と合わない", "転職を考えている"} {
		res = env.send(t, "U1", text)
		assert.Equal(t, actionConsultation, res.Action)
		assert.Empty(t, res.Error)
	}
	env.deps.Background.Wait()

	assert.Equal(t, []string{"仕事がつらい", "上司と合わない", "転職を考えている"}, env.engine.consultations)
	assert.Equal(t, 1, env.engine.analyzed)

	profile, err := env.store.GetUserProfile(ctx, "U1")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, database.StringList{"料理"}, profile.Interests)
	assert.Equal(t, "丁寧", *profile.CommunicationStyle)
}

func TestConsultationKeywordEndsFortuneSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.send(t, "U1", "無料鑑定")
	require.NotNil(t, env.activeSession(t, "U1", database.SessionFortuneTelling))

	env.send(t, "U1", "相談")
	assert.Nil(t, env.activeSession(t, "U1", database.SessionFortuneTelling))
	assert.NotNil(t, env.activeSession(t, "U1", database.SessionConsultation))
}

func TestFollowAndPostback(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.handle(ctx, env.bot, line.Event{
		Type: line.EventTypeFollow, ReplyToken: "r", Source: line.Source{Type: "user", UserID: "U1"},
	})
	assert.Equal(t, actionFollow, res.Action)
	welcome := env.messenger.lastReply()
	assert.True(t, strings.HasPrefix(welcome.Text, "テスト様"))
	require.Len(t, welcome.QuickReplies, 2)
	assert.Equal(t, "無料鑑定", welcome.QuickReplies[0].Text)

	users, total, err := env.store.ListUsers(ctx, database.UserQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "テスト", users[0].DisplayName)

	res = env.handle(ctx, env.bot, line.Event{
		Type: line.EventTypePostback, ReplyToken: "r", Source: line.Source{Type: "user", UserID: "U1"},
		Postback: &line.Postback{Data: "action=start_fortune"},
	})
	assert.Equal(t, actionFortuneStart, res.Action)
	assert.NotNil(t, env.activeSession(t, "U1", database.SessionFortuneTelling))

	res = env.handle(ctx, env.bot, line.Event{
		Type: line.EventTypePostback, ReplyToken: "r", Source: line.Source{Type: "user", UserID: "U1"},
		Postback: &line.Postback{Data: "action=unknown"},
	})
	assert.Equal(t, actionIgnored, res.Action)
}

func TestBusinessHandlerGreets(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.messenger.profileErr = errors.New("profile unavailable")
	handle := NewBusinessHandler(env.deps)
	bot := &line.Bot{Type: line.BotBusiness, Messenger: env.messenger}

	res := handle(context.Background(), bot, textEvent("U9", "こんにちは"))
	assert.Empty(t, res.Error)
	assert.Equal(t, actionGreeting, res.Action)
	assert.True(t, strings.HasPrefix(env.messenger.lastReply().Text, "お客様、こんにちは！"))
}

func TestDispatcherSerializesSameUser(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		running = map[string]int{}
		seen    = map[string][]string{}
		overlap bool
	)
	handle := func(_ context.Context, _ *line.Bot, ev line.Event) EventResult {
		mu.Lock()
		running[ev.Source.UserID]++
		if running[ev.Source.UserID] > 1 {
			overlap = true
		}
		seen[ev.Source.UserID] = append(seen[ev.Source.UserID], ev.Message.Text)
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		running[ev.Source.UserID]--
		mu.Unlock()
		return EventResult{Type: ev.Type, UserID: ev.Source.UserID, Action: ev.Message.Text}
	}

	deps := HandlerDeps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Config: testConfig()}
	d := NewDispatcher(deps, map[line.BotType]EventHandlerFunc{line.BotFortune: handle})

	events := []line.Event{
		textEvent("U1", "1"), textEvent("U2", "2"), textEvent("U1", "3"),
		textEvent("U1", "4"), textEvent("U2", "5"), textEvent("U1", "6"),
	}
	for range 20 {
		mu.Lock()
		seen = map[string][]string{}
		mu.Unlock()

		results := d.Dispatch(context.Background(), &line.Bot{Type: line.BotFortune}, events)

		require.Len(t, results, len(events))
		for i, r := range results {
			assert.Equal(t, events[i].Message.Text, r.Action)
		}
		assert.Equal(t, []string{"1", "3", "4", "6"}, seen["U1"], "events of one user must keep delivery order")
		assert.Equal(t, []string{"2", "5"}, seen["U2"])
	}
	assert.False(t, overlap, "events of one user must not run concurrently")
	assert.Equal(t, 0, d.locks.size())

	missing := d.Dispatch(context.Background(), &line.Bot{Type: line.BotBusiness}, events[:1])
	assert.NotEmpty(t, missing[0].Error)
}

func TestDispatcherKeepsFortuneBatchInOrder(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	d := NewDispatcher(env.deps, map[line.BotType]EventHandlerFunc{line.BotFortune: env.handle})

	results := d.Dispatch(context.Background(), env.bot, []line.Event{
		textEvent("U1", config.DefaultStartKeyword),
		textEvent("U1", "1990/01/15"),
	})

	require.Len(t, results, 2)
	assert.Equal(t, actionFortuneStart, results[0].Action)
	assert.Equal(t, actionFortuneStep, results[1].Action)
	assert.Empty(t, results[1].Error)

	session := env.activeSession(t, "U1", database.SessionFortuneTelling)
	require.NotNil(t, session)
	assert.Equal(t, database.StateAskBloodType, session.CurrentState)
	assert.Equal(t, "1990-01-15", session.SessionData.String(keyBirthDate))
	assert.Empty(t, env.engine.consultations)
}

func TestGroupByUser(t *testing.T) {
	t.Parallel()

	anonymous := textEvent("", "x")
	batches := groupByUser([]line.Event{
		textEvent("U1", "a"), textEvent("U2", "b"), anonymous, textEvent("U1", "c"), anonymous,
	})

	require.Len(t, batches, 4)
	assert.Equal(t, userBatch{userID: "U1", indexes: []int{0, 3}}, *batches[0])
	assert.Equal(t, userBatch{userID: "U2", indexes: []int{1}}, *batches[1])
	assert.Equal(t, userBatch{indexes: []int{2}}, *batches[2])
	assert.Equal(t, userBatch{indexes: []int{4}}, *batches[3])
}

func strPtr(s string) *string { return &s }
