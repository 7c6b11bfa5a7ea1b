package standup

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pyama86/standup-control/domain/infra"
	"github.com/pyama86/standup-control/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessenger struct {
	mu       sync.Mutex
	seq      int
	failOpen map[string]bool
	failSend map[string]bool
	direct   map[string][]*model.Message
	channel  map[string][]*model.Message
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		failOpen: map[string]bool{},
		failSend: map[string]bool{},
		direct:   map[string][]*model.Message{},
		channel:  map[string][]*model.Message{},
	}
}

func (f *fakeMessenger) OpenDirectChannel(userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOpen[userID] {
		return "", errors.New("cannot_dm_bot")
	}
	return "D" + userID, nil
}

func (f *fakeMessenger) SendDirectMessage(channelID string, msg *model.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend[channelID] {
		return "", errors.New("channel_not_found")
	}
	f.seq++
	f.direct[channelID] = append(f.direct[channelID], msg)
	return fmt.Sprintf("%d.000100", f.seq), nil
}

func (f *fakeMessenger) SendChannelMessage(channelID string, msg *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel[channelID] = append(f.channel[channelID], msg)
	return nil
}

func (f *fakeMessenger) directTo(channelID string) []*model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.Message(nil), f.direct[channelID]...)
}

func (f *fakeMessenger) postedTo(channelID string) []*model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.Message(nil), f.channel[channelID]...)
}

type fakeMembership struct {
	mu      sync.Mutex
	members map[string][]model.Member
	err     error
}

func (f *fakeMembership) ListNonBotMembers(channelID string) ([]model.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.members[channelID], nil
}

type fakeCompiler struct {
	mu    sync.Mutex
	calls [][]model.SessionReport
}

func (f *fakeCompiler) Compile(channel *model.Channel, reports []model.SessionReport) ([]*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reports)
	msgs := make([]*model.Message, 0, len(reports))
	for _, r := range reports {
		msgs = append(msgs, &model.Message{Text: "report:" + r.User.UserID})
	}
	return msgs, nil
}

func (f *fakeCompiler) reports() [][]model.SessionReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]model.SessionReport(nil), f.calls...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type orchestratorFixture struct {
	o         *Orchestrator
	store     *infra.DataBase
	messenger *fakeMessenger
	members   *fakeMembership
	compiler  *fakeCompiler
	clock     *fakeClock
}

func members(ids ...string) []model.Member {
	ms := make([]model.Member, 0, len(ids))
	for _, id := range ids {
		ms = append(ms, model.Member{UserID: id, RealName: "name-" + id})
	}
	return ms
}

func newOrchestratorFixture(t *testing.T, questions []string, userIDs ...string) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		store:     newTestStore(t),
		messenger: newFakeMessenger(),
		members:   &fakeMembership{members: map[string][]model.Member{"C1": members(userIDs...)}},
		compiler:  &fakeCompiler{},
		clock:     &fakeClock{now: time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)},
	}
	f.o = f.newOrchestrator()

	_, err := f.o.RegisterChannel("T1", "C1", "daily")
	require.NoError(t, err)
	for _, q := range questions {
		require.NoError(t, f.o.Bank().Append("C1", q))
	}
	return f
}

func (f *orchestratorFixture) newOrchestrator() *Orchestrator {
	o := NewOrchestrator(Config{
		Location:         time.UTC,
		InactivityCutoff: 24 * time.Hour,
		RemindAfter:      2 * time.Hour,
		SweepInterval:    time.Hour,
		FanoutLimit:      2,
	}, f.store, f.messenger, f.members, f.compiler)
	o.setClock(f.clock.Now)
	return o
}

func (f *orchestratorFixture) thread(t *testing.T, userID string) string {
	t.Helper()
	u, err := f.store.GetUser(userID)
	require.NoError(t, err)
	return u.ThreadTS
}

func (f *orchestratorFixture) answerAll(t *testing.T, userID string, n int) {
	t.Helper()
	threadTS := f.thread(t, userID)
	for i := 0; i < n; i++ {
		_, err := f.o.SubmitAnswer(userID, threadTS, fmt.Sprintf("%s-a%d", userID, i+1))
		require.NoError(t, err)
	}
}

func TestOrchestrator_ReportAfterAllComplete(t *testing.T) {
	f := newOrchestratorFixture(t, []string{"q1", "q2"}, "U1", "U2")

	require.NoError(t, f.o.Dispatch(model.SessionStartEvent{ChannelID: "C1"}))

	for _, id := range []string{"U1", "U2"} {
		dms := f.messenger.directTo("D" + id)
		require.Len(t, dms, 2)
		assert.Equal(t, f.thread(t, id), dms[1].ThreadTS)
		assert.Contains(t, dms[1].Text, "q1")
	}
	completed, expected, reported := f.o.Tally("C1")
	assert.Equal(t, 0, completed)
	assert.Equal(t, 2, expected)
	assert.False(t, reported)

	f.answerAll(t, "U1", 2)
	assert.Empty(t, f.compiler.reports())

	// U2は1問目だけ答えた状態
	u2Thread := f.thread(t, "U2")
	_, err := f.o.SubmitAnswer("U2", u2Thread, "U2-a1")
	require.NoError(t, err)
	completed, expected, reported = f.o.Tally("C1")
	assert.Equal(t, 1, completed)
	assert.Equal(t, 2, expected)
	assert.False(t, reported)
	assert.Empty(t, f.compiler.reports())
	assert.Empty(t, f.messenger.postedTo("C1"))

	_, err = f.o.SubmitAnswer("U2", u2Thread, "U2-a2")
	require.NoError(t, err)
	calls := f.compiler.reports()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 2)
	assert.Equal(t, "U1", calls[0][0].User.UserID)
	require.Len(t, calls[0][0].Answers, 2)
	assert.Equal(t, "U1-a2", calls[0][0].Answers[1].Answer)
	assert.False(t, calls[0][1].Partial)
	assert.Len(t, f.messenger.postedTo("C1"), 2)

	// 完了後の回答はレポートを増やさない
	_, err = f.o.SubmitAnswer("U2", f.thread(t, "U2"), "again")
	assert.ErrorIs(t, err, ErrNoActiveSession)
	assert.Len(t, f.compiler.reports(), 1)
}

func TestOrchestrator_ZeroQuestionsReportsImmediately(t *testing.T) {
	f := newOrchestratorFixture(t, nil, "U1", "U2")

	require.NoError(t, f.o.StartSession("C1"))

	calls := f.compiler.reports()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 2)
	for _, r := range calls[0] {
		assert.Empty(t, r.Answers)
		assert.Equal(t, model.StateCompleted, r.User.State())
	}
}

func TestOrchestrator_DeliveryFailureExcludesUser(t *testing.T) {
	f := newOrchestratorFixture(t, []string{"q1"}, "U1", "U2", "U3")
	f.messenger.failOpen["U2"] = true
	f.messenger.failSend["DU3"] = true

	require.NoError(t, f.o.StartSession("C1"))

	_, expected, _ := f.o.Tally("C1")
	assert.Equal(t, 1, expected)
	u2, err := f.store.GetUser("U2")
	require.NoError(t, err)
	assert.Equal(t, model.StateIdle, u2.State())

	f.answerAll(t, "U1", 1)
	calls := f.compiler.reports()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 1)
	assert.Equal(t, "U1", calls[0][0].User.UserID)
}

func TestOrchestrator_SweepForcesCompletion(t *testing.T) {
	f := newOrchestratorFixture(t, []string{"q1", "q2"}, "U1", "U2")
	require.NoError(t, f.o.StartSession("C1"))
	f.answerAll(t, "U1", 2)

	f.clock.Advance(time.Hour)
	f.o.sweep()
	assert.Empty(t, f.messenger.postedTo("C1"))

	f.clock.Advance(time.Hour)
	f.o.sweep()
	f.o.sweep()
	posted := f.messenger.postedTo("C1")
	require.Len(t, posted, 1)
	assert.Contains(t, posted[0].Text, "<@U2>")
	thread, err := f.store.GetDailyThread(f.thread(t, "U2"))
	require.NoError(t, err)
	assert.True(t, thread.WasMentioned)

	f.clock.Advance(22 * time.Hour)
	f.o.sweep()

	u2, err := f.store.GetUser("U2")
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, u2.State())

	calls := f.compiler.reports()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 2)
	assert.False(t, calls[0][0].Partial)
	assert.True(t, calls[0][1].Partial)
	assert.Empty(t, calls[0][1].Answers)

	f.o.sweep()
	assert.Len(t, f.compiler.reports(), 1)
}

func TestOrchestrator_StaleThreadAnswer(t *testing.T) {
	f := newOrchestratorFixture(t, []string{"q1"}, "U1")
	require.NoError(t, f.o.StartSession("C1"))
	old := f.thread(t, "U1")

	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.o.StartSession("C1"))
	assert.NotEqual(t, old, f.thread(t, "U1"))

	err := f.o.Dispatch(model.AnswerEvent{UserID: "U1", ChannelID: "DU1", ThreadTS: old, Text: "yesterday"})
	assert.ErrorIs(t, err, ErrNoActiveSession)
	dms := f.messenger.directTo("DU1")
	assert.Contains(t, dms[len(dms)-1].Text, "デイリーはありません")

	answers, err := f.store.ListAnswers("U1")
	require.NoError(t, err)
	assert.Empty(t, answers)
	assert.Empty(t, f.compiler.reports())
}

func TestOrchestrator_TopLevelDMAnswer(t *testing.T) {
	f := newOrchestratorFixture(t, []string{"q1"}, "U1")
	require.NoError(t, f.o.StartSession("C1"))

	require.NoError(t, f.o.Dispatch(model.AnswerEvent{UserID: "U1", ChannelID: "DU1", Text: "done"}))
	assert.Len(t, f.compiler.reports(), 1)

	assert.Error(t, f.o.Dispatch(model.AnswerEvent{UserID: "U1", ChannelID: "DU1", Text: "  "}))
}

func TestOrchestrator_MembershipFallback(t *testing.T) {
	f := newOrchestratorFixture(t, []string{"q1"}, "U1", "U2")
	f.members.err = errors.New("ratelimited")

	require.NoError(t, f.o.StartSession("C1"))
	_, expected, _ := f.o.Tally("C1")
	assert.Equal(t, 2, expected)
}

func TestOrchestrator_SyncMembers(t *testing.T) {
	f := newOrchestratorFixture(t, []string{"q1"}, "U1", "U2")
	require.NoError(t, f.store.SaveChannel(&model.Channel{ChannelID: "C2", TeamID: "T1"}))
	f.members.members["C2"] = members("U2", "U9")

	synced, err := f.o.SyncMembers("C2")
	require.NoError(t, err)
	require.Len(t, synced, 1)
	assert.Equal(t, "U9", synced[0].UserID)
	u2, err := f.store.GetUser("U2")
	require.NoError(t, err)
	assert.Equal(t, "C1", u2.MainChannelID)

	require.NoError(t, f.o.StartSession("C1"))
	f.members.members["C1"] = members("U1", "U3")
	synced, err = f.o.SyncMembers("C1")
	require.NoError(t, err)
	assert.Len(t, synced, 2)
	// 回答中のU2は残る
	_, err = f.store.GetUser("U2")
	assert.NoError(t, err)
	_, err = f.store.GetUser("U3")
	assert.NoError(t, err)
}

func TestOrchestrator_SyncMembersKeepsUnresolved(t *testing.T) {
	f := newOrchestratorFixture(t, []string{"q1"}, "U1", "U2")
	f.members.members["C1"] = []model.Member{
		{UserID: "U1", RealName: "name-U1"},
		{UserID: "U2", Unresolved: true},
		{UserID: "U7", Unresolved: true},
	}

	synced, err := f.o.SyncMembers("C1")
	require.NoError(t, err)
	require.Len(t, synced, 2)
	assert.Equal(t, "U2", synced[1].UserID)
	assert.Equal(t, "name-U2", synced[1].RealName)

	u2, err := f.store.GetUser("U2")
	require.NoError(t, err)
	assert.Equal(t, "C1", u2.MainChannelID)
	// 情報の取れない新しいメンバーは登録しない
	_, err = f.store.GetUser("U7")
	assert.ErrorIs(t, err, infra.ErrNotFound)

	require.NoError(t, f.o.StartSession("C1"))
	_, expected, _ := f.o.Tally("C1")
	assert.Equal(t, 2, expected)
}

// interleavedStore はユーザー一覧を読んだ直後に別の処理を割り込ませる
type interleavedStore struct {
	*infra.DataBase
	afterList func()
}

func (s *interleavedStore) ListUsersByChannel(channelID string) ([]model.User, error) {
	users, err := s.DataBase.ListUsersByChannel(channelID)
	if fn := s.afterList; fn != nil {
		s.afterList = nil
		fn()
	}
	return users, err
}

func TestOrchestrator_SyncMembersKeepsConcurrentSession(t *testing.T) {
	f := &orchestratorFixture{
		store:     newTestStore(t),
		messenger: newFakeMessenger(),
		members:   &fakeMembership{members: map[string][]model.Member{"C1": members("U1", "U2")}},
		compiler:  &fakeCompiler{},
		clock:     &fakeClock{now: time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)},
	}
	store := &interleavedStore{DataBase: f.store}
	o := NewOrchestrator(Config{Location: time.UTC}, store, f.messenger, f.members, f.compiler)
	o.setClock(f.clock.Now)
	_, err := o.RegisterChannel("T1", "C1", "daily")
	require.NoError(t, err)

	// 一覧を読んだあとにU1とU2のセッションが始まる
	store.afterList = func() {
		_, err := o.engine.StartSession(startRequest("U1", "9.9", "q1", "q2"))
		require.NoError(t, err)
		_, err = o.engine.StartSession(startRequest("U2", "9.8", "q1"))
		require.NoError(t, err)
	}
	f.members.members["C1"] = []model.Member{{UserID: "U1", RealName: "renamed"}}

	_, err = o.SyncMembers("C1")
	require.NoError(t, err)

	u1, err := f.store.GetUser("U1")
	require.NoError(t, err)
	assert.True(t, u1.DailyStatus)
	assert.Equal(t, 1, u1.QIdx)
	assert.Equal(t, "9.9", u1.ThreadTS)

	// 抜けたU2も回答中なので消えない
	u2, err := f.store.GetUser("U2")
	require.NoError(t, err)
	assert.Equal(t, "9.8", u2.ThreadTS)

	step, err := o.SubmitAnswer("U1", "9.9", "a1")
	require.NoError(t, err)
	assert.Equal(t, "q2", step.Question)
}

func TestOrchestrator_MembershipChange(t *testing.T) {
	f := newOrchestratorFixture(t, []string{"q1"}, "U1", "U2")

	f.members.members["C1"] = members("U1", "U2", "U3")
	require.NoError(t, f.o.Dispatch(model.MembershipChangeEvent{ChannelID: "C1", UserID: "U3", Joined: true}))
	u3, err := f.store.GetUser("U3")
	require.NoError(t, err)
	assert.Equal(t, "C1", u3.MainChannelID)

	require.NoError(t, f.o.Dispatch(model.MembershipChangeEvent{ChannelID: "C1", UserID: "U3", Joined: false}))
	_, err = f.store.GetUser("U3")
	assert.ErrorIs(t, err, infra.ErrNotFound)

	require.NoError(t, f.o.StartSession("C1"))
	require.NoError(t, f.o.Dispatch(model.MembershipChangeEvent{ChannelID: "C1", UserID: "U2", Joined: false}))
	u2, err := f.store.GetUser("U2")
	require.NoError(t, err)
	assert.Equal(t, model.StateAsking, u2.State())

	// 未登録チャンネルは無視する
	assert.NoError(t, f.o.Dispatch(model.MembershipChangeEvent{ChannelID: "C404", UserID: "U1", Joined: true}))
}

func TestOrchestrator_Scheduling(t *testing.T) {
	f := newOrchestratorFixture(t, []string{"q1"}, "U1")

	_, err := f.o.SkipNext("C1")
	assert.ErrorIs(t, err, ErrNotScheduled)
	assert.ErrorIs(t, f.o.Schedule("C404", "0 10 * * *"), ErrChannelNotRegistered)
	assert.ErrorIs(t, f.o.Schedule("C1", "every day"), ErrInvalidSchedule)

	require.NoError(t, f.o.Schedule("C1", "0 10 * * 1-5"))
	ch, err := f.store.GetChannel("C1")
	require.NoError(t, err)
	assert.Equal(t, "0 10 * * 1-5", ch.Cron)

	next, err := f.o.NextRun("C1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 7, 10, 0, 0, 0, time.UTC), next)

	skipped, err := f.o.SkipNext("C1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 8, 10, 0, 0, 0, time.UTC), skipped)

	require.NoError(t, f.o.Unschedule("C1"))
	require.NoError(t, f.o.Unschedule("C1"))
	_, err = f.o.NextRun("C1")
	assert.ErrorIs(t, err, ErrNoActiveJob)
	ch, err = f.store.GetChannel("C1")
	require.NoError(t, err)
	assert.Empty(t, ch.Cron)

	assert.ErrorIs(t, f.o.Unschedule("C404"), ErrChannelNotRegistered)
}

func TestOrchestrator_RestoreAfterRestart(t *testing.T) {
	f := newOrchestratorFixture(t, []string{"q1"}, "U1", "U2")
	require.NoError(t, f.o.Schedule("C1", "0 10 * * *"))
	require.NoError(t, f.o.StartSession("C1"))
	f.answerAll(t, "U1", 1)

	restarted := f.newOrchestrator()
	require.NoError(t, restarted.Start())
	defer restarted.Stop()

	jobs := restarted.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "T1_C1", jobs[0].JobID)

	completed, expected, reported := restarted.Tally("C1")
	assert.Equal(t, 1, completed)
	assert.Equal(t, 2, expected)
	assert.False(t, reported)

	_, err := restarted.SubmitAnswer("U2", f.thread(t, "U2"), "after restart")
	require.NoError(t, err)
	calls := f.compiler.reports()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 2)
}

func TestOrchestrator_UnregisterChannel(t *testing.T) {
	f := newOrchestratorFixture(t, []string{"q1"}, "U1")
	require.NoError(t, f.o.Schedule("C1", "0 10 * * *"))

	require.NoError(t, f.o.UnregisterChannel("C1"))
	assert.Empty(t, f.o.Jobs())
	_, err := f.store.GetUser("U1")
	assert.ErrorIs(t, err, infra.ErrNotFound)
	assert.ErrorIs(t, f.o.StartSession("C1"), ErrChannelNotRegistered)
	assert.ErrorIs(t, f.o.UnregisterChannel("C1"), ErrChannelNotRegistered)
}

func TestOrchestrator_GreetingMentionsChannel(t *testing.T) {
	f := newOrchestratorFixture(t, []string{"q1"}, "U1")
	require.NoError(t, f.o.StartSession("C1"))

	dms := f.messenger.directTo("DU1")
	require.NotEmpty(t, dms)
	assert.True(t, strings.HasPrefix(dms[0].Text, "name-U1"))
	assert.Empty(t, dms[0].ThreadTS)
}
