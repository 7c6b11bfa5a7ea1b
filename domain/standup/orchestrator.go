package standup

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pyama86/standup-control/domain/infra"
	"github.com/pyama86/standup-control/domain/model"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	// cronを評価するタイムゾーン
	Location *time.Location
	// これを過ぎても回答中のセッションは締め切る
	InactivityCutoff time.Duration
	// これを過ぎても回答中のユーザーにはチャンネルで一度だけメンションする。0なら無効
	RemindAfter   time.Duration
	SweepInterval time.Duration
	// 同時にセッションを開始するユーザー数
	FanoutLimit int
}

func DefaultConfig() Config {
	return Config{
		Location:         time.UTC,
		InactivityCutoff: 24 * time.Hour,
		RemindAfter:      2 * time.Hour,
		SweepInterval:    time.Minute,
		FanoutLimit:      8,
	}
}

// Orchestrator はデイリー全体をまとめる。
// cronの発火でメンバー全員のセッションを開始し、回答を Engine に流し、
// チャンネル全員が終わったら1度だけレポートを投稿する
type Orchestrator struct {
	cfg       Config
	store     Store
	engine    *Engine
	bank      *QuestionBank
	scheduler *Scheduler
	messenger Messenger
	members   Membership
	reports   ReportCompiler

	mu     sync.Mutex
	rounds map[string]*round
	now    func() time.Time

	lifecycle sync.Mutex
	stop      chan struct{}
	done      chan struct{}
}

// round はチャンネルの1回分のデイリーの集計
type round struct {
	startedAt   time.Time
	expected    map[string]bool
	completed   map[string]bool
	partial     map[string]bool
	dispatching bool
	reported    bool
}

func newRound(startedAt time.Time) *round {
	return &round{
		startedAt: startedAt,
		expected:  map[string]bool{},
		completed: map[string]bool{},
		partial:   map[string]bool{},
	}
}

func (r *round) done() bool {
	for userID := range r.expected {
		if !r.completed[userID] {
			return false
		}
	}
	return true
}

func NewOrchestrator(cfg Config, store Store, messenger Messenger, members Membership, reports ReportCompiler) *Orchestrator {
	def := DefaultConfig()
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.FanoutLimit <= 0 {
		cfg.FanoutLimit = def.FanoutLimit
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     store,
		engine:    NewEngine(store),
		bank:      NewQuestionBank(store),
		messenger: messenger,
		members:   members,
		reports:   reports,
		rounds:    map[string]*round{},
		now:       time.Now,
	}
	o.scheduler = NewScheduler(cfg.Location, o.StartSession)
	return o
}

func (o *Orchestrator) setClock(now func() time.Time) {
	o.now = now
	o.engine.now = now
	o.scheduler.now = now
}

func (o *Orchestrator) Bank() *QuestionBank {
	return o.bank
}

func (o *Orchestrator) Jobs() []JobInfo {
	return o.scheduler.Jobs()
}

// Start は保存済みのcronを登録し直してスケジューラーと締め切りの見回りを開始する
func (o *Orchestrator) Start() error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.stop != nil {
		return fmt.Errorf("orchestrator already started")
	}

	channels, err := o.store.ListChannels()
	if err != nil {
		return persistence("list channels", err)
	}
	for _, ch := range channels {
		if ch.Cron == "" {
			continue
		}
		if err := o.scheduler.Schedule(ch.TeamID, ch.ChannelID, ch.Cron); err != nil {
			slog.Error("restore schedule failed", slog.String("channel_id", ch.ChannelID), slog.Any("err", err))
		}
	}
	o.restoreRounds(channels)

	o.scheduler.Start()
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	go o.sweepLoop(o.stop, o.done)
	slog.Info("orchestrator started", slog.Int("channels", len(channels)))
	return nil
}

// Stop は見回りを止め、実行中のジョブの終了を待つ
func (o *Orchestrator) Stop() {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.stop == nil {
		return
	}
	close(o.stop)
	<-o.done
	<-o.scheduler.Shutdown().Done()
	o.stop = nil
	o.done = nil
	slog.Info("orchestrator stopped")
}

func (o *Orchestrator) Dispatch(ev model.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	switch e := ev.(type) {
	case model.SessionStartEvent:
		return o.StartSession(e.ChannelID)
	case model.AnswerEvent:
		_, err := o.handleAnswer(e)
		return err
	case model.MembershipChangeEvent:
		return o.HandleMembershipChange(e)
	default:
		return fmt.Errorf("unsupported event: %T", ev)
	}
}

func (o *Orchestrator) getChannel(channelID string) (*model.Channel, error) {
	ch, err := o.store.GetChannel(channelID)
	if errors.Is(err, infra.ErrNotFound) {
		return nil, ErrChannelNotRegistered
	}
	if err != nil {
		return nil, persistence("get channel", err)
	}
	return ch, nil
}

// RegisterChannel はチャンネルを登録してメンバーを取り込み、取り込んだ人数を返す
func (o *Orchestrator) RegisterChannel(teamID, channelID, channelName string) (int, error) {
	channel := &model.Channel{
		ChannelID:   channelID,
		TeamID:      teamID,
		ChannelName: channelName,
	}
	existing, err := o.store.GetChannel(channelID)
	if err != nil && !errors.Is(err, infra.ErrNotFound) {
		return 0, persistence("get channel", err)
	}
	if existing != nil {
		channel.Cron = existing.Cron
		channel.CreatedAt = existing.CreatedAt
	}
	if err := o.store.SaveChannel(channel); err != nil {
		return 0, persistence("save channel", err)
	}

	members, err := o.SyncMembers(channelID)
	if err != nil {
		return 0, err
	}
	slog.Info("channel registered", slog.String("channel_id", channelID), slog.Int("members", len(members)))
	return len(members), nil
}

func (o *Orchestrator) UnregisterChannel(channelID string) error {
	if _, err := o.getChannel(channelID); err != nil {
		return err
	}
	o.scheduler.Stop(channelID)
	if err := o.store.DeleteChannel(channelID); err != nil {
		return persistence("delete channel", err)
	}
	o.mu.Lock()
	delete(o.rounds, channelID)
	o.mu.Unlock()
	slog.Info("channel unregistered", slog.String("channel_id", channelID))
	return nil
}

// SyncMembers はチャンネルのメンバーをユーザーとして取り込み、抜けたユーザーを消す。
// 回答中のユーザーは締め切りまで残す
func (o *Orchestrator) SyncMembers(channelID string) ([]model.Member, error) {
	members, err := o.members.ListNonBotMembers(channelID)
	if err != nil {
		return nil, &DeliveryError{UserID: channelID, Err: err}
	}

	users, err := o.store.ListUsersByChannel(channelID)
	if err != nil {
		return nil, persistence("list users", err)
	}

	var synced []model.Member
	joined := map[string]bool{}
	for _, m := range members {
		joined[m.UserID] = true
		u, ok, err := o.engine.SyncMember(channelID, m)
		if err != nil {
			return nil, err
		}
		if !ok {
			if u != nil {
				// 別のチャンネルでデイリーに参加している
				slog.Info("user belongs to another channel",
					slog.String("user_id", m.UserID),
					slog.String("main_channel_id", u.MainChannelID),
				)
			} else {
				slog.Warn("skip unresolved member", slog.String("user_id", m.UserID))
			}
			continue
		}
		if m.Unresolved {
			m.RealName = u.RealName
		}
		synced = append(synced, m)
	}

	for _, u := range users {
		if joined[u.UserID] {
			continue
		}
		removed, err := o.engine.RemoveIdleUser(channelID, u.UserID)
		if err != nil {
			return nil, err
		}
		if removed {
			slog.Info("user removed", slog.String("user_id", u.UserID), slog.String("channel_id", channelID))
		}
	}
	return synced, nil
}

func (o *Orchestrator) HandleMembershipChange(ev model.MembershipChangeEvent) error {
	if _, err := o.getChannel(ev.ChannelID); err != nil {
		if errors.Is(err, ErrChannelNotRegistered) {
			return nil
		}
		return err
	}

	if !ev.Joined {
		removed, err := o.engine.RemoveIdleUser(ev.ChannelID, ev.UserID)
		if err != nil {
			return err
		}
		if !removed {
			// 回答中のセッションは締め切りの見回りに任せる
			slog.Info("member left, user kept", slog.String("user_id", ev.UserID))
		}
		return nil
	}

	current, err := o.store.GetUser(ev.UserID)
	if err != nil && !errors.Is(err, infra.ErrNotFound) {
		return persistence("get user", err)
	}
	if current != nil {
		return nil
	}
	members, err := o.members.ListNonBotMembers(ev.ChannelID)
	if err != nil {
		return &DeliveryError{UserID: ev.UserID, Err: err}
	}
	for _, m := range members {
		if m.UserID != ev.UserID {
			continue
		}
		if m.Unresolved {
			return &DeliveryError{UserID: ev.UserID, Err: fmt.Errorf("user info unavailable")}
		}
		_, added, err := o.engine.SyncMember(ev.ChannelID, m)
		if err != nil {
			return err
		}
		if added {
			slog.Info("user added", slog.String("user_id", m.UserID), slog.String("channel_id", ev.ChannelID))
		}
	}
	return nil
}

func (o *Orchestrator) Schedule(channelID, expr string) error {
	if _, err := ParseSchedule(expr); err != nil {
		return err
	}
	ch, err := o.getChannel(channelID)
	if err != nil {
		return err
	}
	expr = strings.TrimSpace(expr)
	if err := o.store.UpdateChannelCron(channelID, expr); err != nil {
		return persistence("update cron", err)
	}
	return o.scheduler.Schedule(ch.TeamID, channelID, expr)
}

func (o *Orchestrator) SkipNext(channelID string) (time.Time, error) {
	ch, err := o.getChannel(channelID)
	if err != nil {
		return time.Time{}, err
	}
	if ch.Cron == "" {
		return time.Time{}, ErrNotScheduled
	}
	return o.scheduler.SkipNext(channelID)
}

func (o *Orchestrator) Unschedule(channelID string) error {
	if err := o.store.UpdateChannelCron(channelID, ""); err != nil {
		if errors.Is(err, infra.ErrNotFound) {
			return ErrChannelNotRegistered
		}
		return persistence("update cron", err)
	}
	o.scheduler.Stop(channelID)
	return nil
}

func (o *Orchestrator) NextRun(channelID string) (time.Time, error) {
	return o.scheduler.NextRun(channelID)
}

// StartSessionNow は手動でデイリーを開始する
func (o *Orchestrator) StartSessionNow(channelID string) error {
	return o.StartSession(channelID)
}

// StartSession はチャンネルのメンバー全員のセッションを並行して開始する。
// 1人への送信失敗は他のメンバーに影響しない
func (o *Orchestrator) StartSession(channelID string) error {
	channel, err := o.getChannel(channelID)
	if err != nil {
		return err
	}
	questions, err := o.bank.Bodies(channelID)
	if err != nil {
		return err
	}

	members, err := o.SyncMembers(channelID)
	if err != nil {
		slog.Error("SyncMembers failed, fallback to stored users", slog.String("channel_id", channelID), slog.Any("err", err))
		members, err = o.storedMembers(channelID)
		if err != nil {
			return err
		}
	}

	r := o.beginRound(channelID, members)
	slog.Info("daily started",
		slog.String("channel_id", channelID),
		slog.Int("members", len(members)),
		slog.Int("questions", len(questions)),
	)

	var g errgroup.Group
	g.SetLimit(o.cfg.FanoutLimit)
	for _, m := range members {
		g.Go(func() error {
			o.startMember(channel, m, questions, r)
			return nil
		})
	}
	_ = g.Wait()

	o.mu.Lock()
	r.dispatching = false
	o.mu.Unlock()
	o.maybeReport(channelID)
	return nil
}

func (o *Orchestrator) storedMembers(channelID string) ([]model.Member, error) {
	users, err := o.store.ListUsersByChannel(channelID)
	if err != nil {
		return nil, persistence("list users", err)
	}
	members := make([]model.Member, 0, len(users))
	for _, u := range users {
		members = append(members, model.Member{UserID: u.UserID, RealName: u.RealName})
	}
	return members, nil
}

func (o *Orchestrator) beginRound(channelID string, members []model.Member) *round {
	r := newRound(o.now())
	r.dispatching = true
	for _, m := range members {
		r.expected[m.UserID] = true
	}
	o.mu.Lock()
	o.rounds[channelID] = r
	o.mu.Unlock()
	return r
}

func (o *Orchestrator) startMember(channel *model.Channel, m model.Member, questions []string, r *round) {
	abandon := func(err error) {
		slog.Error("start session failed",
			slog.String("channel_id", channel.ChannelID),
			slog.String("user_id", m.UserID),
			slog.Any("err", err),
		)
		o.mu.Lock()
		delete(r.expected, m.UserID)
		o.mu.Unlock()
	}

	dm, err := o.messenger.OpenDirectChannel(m.UserID)
	if err != nil {
		abandon(&DeliveryError{UserID: m.UserID, Err: err})
		return
	}
	threadTS, err := o.messenger.SendDirectMessage(dm, greetingMessage(m.RealName, channel.ChannelName))
	if err != nil {
		abandon(&DeliveryError{UserID: m.UserID, Err: err})
		return
	}

	step, err := o.engine.StartSession(StartRequest{
		UserID:      m.UserID,
		ChannelID:   channel.ChannelID,
		RealName:    m.RealName,
		ThreadTS:    threadTS,
		DMChannelID: dm,
		Questions:   questions,
	})
	if err != nil {
		abandon(err)
		return
	}

	if step.Complete {
		o.markCompleted(channel.ChannelID, &step.Session, false)
		o.deliver(m.UserID, dm, noQuestionsMessage(threadTS))
		return
	}
	o.deliver(m.UserID, dm, questionMessage(step, threadTS))
}

// deliver は失敗してもログに残すだけ
func (o *Orchestrator) deliver(userID, channelID string, msg *model.Message) {
	if _, err := o.messenger.SendDirectMessage(channelID, msg); err != nil {
		slog.Error("SendDirectMessage failed", slog.Any("err", &DeliveryError{UserID: userID, Err: err}))
	}
}

func (o *Orchestrator) handleAnswer(ev model.AnswerEvent) (*Step, error) {
	threadTS := ev.ThreadTS
	if threadTS == "" {
		// スレッド外の返信は今のセッションのDMであればそのセッションへの回答とみなす
		if session, err := o.engine.CurrentSession(ev.UserID); err == nil && session.DMChannelID == ev.ChannelID {
			threadTS = session.ThreadTS
		}
	}

	step, err := o.SubmitAnswer(ev.UserID, threadTS, ev.Text)
	if errors.Is(err, ErrNoActiveSession) && ev.ChannelID != "" {
		o.deliver(ev.UserID, ev.ChannelID, noActiveSessionMessage(ev.ThreadTS))
	}
	return step, err
}

func (o *Orchestrator) SubmitAnswer(userID, threadTS, text string) (*Step, error) {
	step, err := o.engine.SubmitAnswer(userID, threadTS, text)
	if err != nil {
		return nil, err
	}

	session := step.Session
	if !step.Complete {
		o.deliver(userID, session.DMChannelID, questionMessage(step, session.ThreadTS))
		return step, nil
	}

	slog.Info("session completed", slog.String("user_id", userID), slog.String("channel_id", session.MainChannelID))
	o.deliver(userID, session.DMChannelID, completedMessage(session.MainChannelID, session.ThreadTS))
	o.markCompleted(session.MainChannelID, &session, false)
	o.maybeReport(session.MainChannelID)
	return step, nil
}

func (o *Orchestrator) markCompleted(channelID string, session *model.User, partial bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.rounds[channelID]
	if !ok || !r.expected[session.UserID] || session.StartedAt.Before(r.startedAt) {
		return
	}
	r.completed[session.UserID] = true
	if partial {
		r.partial[session.UserID] = true
	}
}

// Tally は現在のデイリーの完了人数と対象人数を返す
func (o *Orchestrator) Tally(channelID string) (completed, expected int, reported bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.rounds[channelID]
	if !ok {
		return 0, 0, false
	}
	for userID := range r.expected {
		if r.completed[userID] {
			completed++
		}
	}
	return completed, len(r.expected), r.reported
}

func (o *Orchestrator) maybeReport(channelID string) {
	o.mu.Lock()
	r, ok := o.rounds[channelID]
	if !ok || r.reported || r.dispatching || len(r.expected) == 0 || !r.done() {
		o.mu.Unlock()
		return
	}
	r.reported = true
	userIDs := make([]string, 0, len(r.expected))
	for userID := range r.expected {
		userIDs = append(userIDs, userID)
	}
	partial := map[string]bool{}
	for userID, p := range r.partial {
		partial[userID] = p
	}
	o.mu.Unlock()

	sort.Strings(userIDs)
	if err := o.postReport(channelID, userIDs, partial); err != nil {
		slog.Error("postReport failed", slog.String("channel_id", channelID), slog.Any("err", err))
	}
}

func (o *Orchestrator) postReport(channelID string, userIDs []string, partial map[string]bool) error {
	channel, err := o.getChannel(channelID)
	if err != nil {
		return err
	}

	reports := make([]model.SessionReport, 0, len(userIDs))
	for _, userID := range userIDs {
		user, err := o.store.GetUser(userID)
		if errors.Is(err, infra.ErrNotFound) {
			continue
		}
		if err != nil {
			return persistence("get user", err)
		}
		answers, err := o.store.ListAnswers(userID)
		if err != nil {
			return persistence("list answers", err)
		}
		reports = append(reports, model.SessionReport{
			User:    *user,
			Answers: answers,
			Partial: partial[userID],
		})
	}

	messages, err := o.reports.Compile(channel, reports)
	if err != nil {
		return fmt.Errorf("compile report: %w", err)
	}
	for _, msg := range messages {
		if err := o.messenger.SendChannelMessage(channelID, msg); err != nil {
			return &DeliveryError{UserID: channelID, Err: err}
		}
	}
	slog.Info("report posted", slog.String("channel_id", channelID), slog.Int("members", len(reports)))
	return nil
}

func (o *Orchestrator) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.sweep()
		}
	}
}

// sweep は締め切りを過ぎたセッションを完了させ、遅れているユーザーにリマインドする
func (o *Orchestrator) sweep() {
	channels, err := o.store.ListChannels()
	if err != nil {
		slog.Error("ListChannels failed", slog.Any("err", err))
		return
	}
	now := o.now()
	for _, ch := range channels {
		users, err := o.store.ListActiveByChannel(ch.ChannelID)
		if err != nil {
			slog.Error("ListActiveByChannel failed", slog.String("channel_id", ch.ChannelID), slog.Any("err", err))
			continue
		}
		for _, u := range users {
			age := now.Sub(u.StartedAt)
			if o.cfg.InactivityCutoff > 0 && age >= o.cfg.InactivityCutoff {
				o.expire(ch.ChannelID, u)
				continue
			}
			if o.cfg.RemindAfter > 0 && age >= o.cfg.RemindAfter {
				o.remind(ch.ChannelID, u)
			}
		}
		o.maybeReport(ch.ChannelID)
	}
}

func (o *Orchestrator) expire(channelID string, u model.User) {
	step, err := o.engine.ForceComplete(u.UserID, u.ThreadTS)
	if errors.Is(err, ErrNoActiveSession) {
		return
	}
	if err != nil {
		slog.Error("ForceComplete failed", slog.String("user_id", u.UserID), slog.Any("err", err))
		return
	}
	slog.Info("session timed out", slog.String("user_id", u.UserID), slog.String("channel_id", channelID))
	o.markCompleted(channelID, &step.Session, true)
	o.deliver(u.UserID, u.DMChannelID, timedOutMessage(u.ThreadTS))
}

func (o *Orchestrator) remind(channelID string, u model.User) {
	thread, err := o.store.GetDailyThread(u.ThreadTS)
	if err != nil {
		if !errors.Is(err, infra.ErrNotFound) {
			slog.Error("GetDailyThread failed", slog.String("thread_ts", u.ThreadTS), slog.Any("err", err))
		}
		return
	}
	if thread.WasMentioned {
		return
	}
	if err := o.messenger.SendChannelMessage(channelID, reminderMessage(u.UserID)); err != nil {
		slog.Error("SendChannelMessage failed", slog.Any("err", &DeliveryError{UserID: u.UserID, Err: err}))
		return
	}
	if err := o.store.MarkMentioned(u.ThreadTS); err != nil {
		slog.Error("MarkMentioned failed", slog.String("thread_ts", u.ThreadTS), slog.Any("err", err))
	}
}

// restoreRounds は再起動時に締め切り前のセッションから集計を組み立て直す
func (o *Orchestrator) restoreRounds(channels []model.Channel) {
	now := o.now()
	for _, ch := range channels {
		users, err := o.store.ListUsersByChannel(ch.ChannelID)
		if err != nil {
			slog.Error("ListUsersByChannel failed", slog.String("channel_id", ch.ChannelID), slog.Any("err", err))
			continue
		}

		var r *round
		for _, u := range users {
			if u.StartedAt.IsZero() {
				continue
			}
			if o.cfg.InactivityCutoff > 0 && now.Sub(u.StartedAt) >= o.cfg.InactivityCutoff && !u.DailyStatus {
				continue
			}
			if r == nil {
				r = newRound(u.StartedAt)
			}
			if u.StartedAt.Before(r.startedAt) {
				r.startedAt = u.StartedAt
			}
			r.expected[u.UserID] = true
			if u.State() == model.StateCompleted {
				r.completed[u.UserID] = true
			}
		}
		if r == nil {
			continue
		}
		// 全員終わっていればレポートは送信済みとみなす
		r.reported = r.done()
		o.mu.Lock()
		o.rounds[ch.ChannelID] = r
		o.mu.Unlock()
	}
}
