package standup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc はcronの発火時にチャンネルごとに呼ばれる
type JobFunc func(channelID string) error

// Scheduler はチャンネルごとに1つのcronジョブを持つ。同じチャンネルへの登録は常に置き換え
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	loc     *time.Location
	jobs    map[string]*job
	handler JobFunc
	now     func() time.Time
}

type job struct {
	teamID   string
	spec     string
	id       cron.EntryID
	base     cron.Schedule
	schedule cron.Schedule
}

type JobInfo struct {
	JobID     string    `json:"job_id"`
	ChannelID string    `json:"channel_id"`
	Spec      string    `json:"spec"`
	Next      time.Time `json:"next"`
}

func NewScheduler(loc *time.Location, handler JobFunc) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		loc:     loc,
		jobs:    map[string]*job{},
		handler: handler,
		now:     time.Now,
	}
}

func jobID(teamID, channelID string) string {
	return fmt.Sprintf("%s_%s", teamID, channelID)
}

// ParseSchedule は5フィールドのcron式を解釈する。@daily や @every 1h などの記述子も受け付ける
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSchedule)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Shutdown は新しい発火を止め、実行中のジョブが終わると閉じるcontextを返す
func (s *Scheduler) Shutdown() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) Schedule(teamID, channelID, expr string) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.install(teamID, channelID, strings.TrimSpace(expr), sched, sched)
	slog.Info("daily scheduled", slog.String("job_id", jobID(teamID, channelID)), slog.String("cron", expr))
	return nil
}

// SkipNext は次回の発火を飛ばし、その次の発火時刻を返す。周期は変わらない
func (s *Scheduler) SkipNext(channelID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[channelID]
	if !ok {
		return time.Time{}, ErrNoActiveJob
	}

	pending := s.next(j)
	following := j.schedule.Next(pending)
	s.install(j.teamID, channelID, j.spec, j.base, &anchoredSchedule{inner: j.base, start: following})
	slog.Info("daily skipped",
		slog.String("job_id", jobID(j.teamID, channelID)),
		slog.Time("skipped", pending),
		slog.Time("next", following),
	)
	return following, nil
}

// Stop はチャンネルのジョブを外す。登録されていなくてもエラーにしない
func (s *Scheduler) Stop(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[channelID]
	if !ok {
		return
	}
	s.cron.Remove(j.id)
	delete(s.jobs, channelID)
	slog.Info("daily unscheduled", slog.String("job_id", jobID(j.teamID, channelID)))
}

func (s *Scheduler) NextRun(channelID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[channelID]
	if !ok {
		return time.Time{}, ErrNoActiveJob
	}
	return s.next(j), nil
}

func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for channelID, j := range s.jobs {
		infos = append(infos, JobInfo{
			JobID:     jobID(j.teamID, channelID),
			ChannelID: channelID,
			Spec:      j.spec,
			Next:      s.next(j),
		})
	}
	sort.Slice(infos, func(i, k int) bool {
		return infos[i].ChannelID < infos[k].ChannelID
	})
	return infos
}

// s.mu を持った状態で呼ぶ
func (s *Scheduler) install(teamID, channelID, spec string, base, sched cron.Schedule) {
	if old, ok := s.jobs[channelID]; ok {
		s.cron.Remove(old.id)
	}
	id := s.cron.Schedule(sched, s.jobFor(teamID, channelID))
	s.jobs[channelID] = &job{
		teamID:   teamID,
		spec:     spec,
		id:       id,
		base:     base,
		schedule: sched,
	}
}

// cronが動いていないとEntry.Nextは埋まらないので自前で計算する
func (s *Scheduler) next(j *job) time.Time {
	if e := s.cron.Entry(j.id); e.Valid() && !e.Next.IsZero() {
		return e.Next
	}
	return j.schedule.Next(s.now().In(s.loc))
}

func (s *Scheduler) jobFor(teamID, channelID string) cron.Job {
	return cron.FuncJob(func() {
		slog.Info("daily triggered", slog.String("job_id", jobID(teamID, channelID)))
		if err := s.handler(channelID); err != nil {
			slog.Error("scheduled daily failed", slog.String("job_id", jobID(teamID, channelID)), slog.Any("err", err))
		}
	})
}

// anchoredSchedule はstartより前の発火を抑える
type anchoredSchedule struct {
	inner cron.Schedule
	start time.Time
}

func (a *anchoredSchedule) Next(t time.Time) time.Time {
	if t.Before(a.start) {
		return a.inner.Next(a.start.Add(-time.Second))
	}
	return a.inner.Next(t)
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error(msg, append([]interface{}{slog.Any("err", err)}, keysAndValues...)...)
}
