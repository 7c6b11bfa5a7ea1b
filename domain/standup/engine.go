package standup

import (
	"errors"
	"fmt"
	"time"

	"github.com/pyama86/standup-control/domain/infra"
	"github.com/pyama86/standup-control/domain/model"
)

// Step はセッションを1つ進めた結果
type Step struct {
	Session model.User
	// 次に聞く質問。Completeのときは空
	Question string
	Index    int
	Total    int
	Complete bool
}

// StartRequest はセッション開始に必要な情報。Questionsは開始時点の質問の並びで、
// 以後の質問の追加・削除はこのセッションに影響しない
type StartRequest struct {
	UserID      string
	ChannelID   string
	RealName    string
	ThreadTS    string
	DMChannelID string
	Questions   []string
}

// Engine はユーザーごとのセッションを Idle → Asking(idx) → Completed と進める。
// 同じユーザーへの操作は直列化される
type Engine struct {
	store Store
	locks *userLocks
	now   func() time.Time
}

func NewEngine(store Store) *Engine {
	return &Engine{
		store: store,
		locks: newUserLocks(),
		now:   time.Now,
	}
}

func (e *Engine) StartSession(req StartRequest) (*Step, error) {
	if req.UserID == "" || req.ChannelID == "" {
		return nil, fmt.Errorf("start session: user_id and channel_id are required")
	}
	if req.ThreadTS == "" {
		return nil, fmt.Errorf("start session: thread_ts is required")
	}

	unlock := e.locks.lock(req.UserID)
	defer unlock()

	current, err := e.store.GetUser(req.UserID)
	if errors.Is(err, infra.ErrNotFound) {
		current = &model.User{UserID: req.UserID}
	} else if err != nil {
		return nil, persistence("get user", err)
	}

	next := *current
	next.MainChannelID = req.ChannelID
	if req.RealName != "" {
		next.RealName = req.RealName
	}
	next.ThreadTS = req.ThreadTS
	next.DMChannelID = req.DMChannelID
	if err := next.SetQuestionList(req.Questions); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	now := e.now()
	next.QIdx = 1
	next.StartedAt = now
	next.CompletedAt = time.Time{}
	next.DailyStatus = len(req.Questions) > 0
	if !next.DailyStatus {
		// 質問がなければその場で完了
		next.CompletedAt = now
	}

	if err := e.store.PutUser(&next); err != nil {
		return nil, persistence("put user", err)
	}

	step := &Step{
		Session: next,
		Index:   1,
		Total:   len(req.Questions),
	}
	if next.DailyStatus {
		step.Question = req.Questions[0]
	} else {
		step.Complete = true
	}
	return step, nil
}

func (e *Engine) SubmitAnswer(userID, threadTS, text string) (*Step, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	current, err := e.activeSession(userID, threadTS)
	if err != nil {
		return nil, err
	}

	questions := current.QuestionList()
	idx := current.QIdx
	if idx < 1 || idx > len(questions) {
		return nil, ErrNoActiveSession
	}

	next := *current
	answer := &model.Answer{
		QuestionIdx: idx,
		Question:    questions[idx-1],
		Answer:      text,
	}
	last := idx == len(questions)
	if last {
		next.DailyStatus = false
		next.CompletedAt = e.now()
	} else {
		next.QIdx = idx + 1
	}

	if err := e.store.AppendAnswer(&next, answer); err != nil {
		if errors.Is(err, infra.ErrThreadMismatch) {
			return nil, ErrNoActiveSession
		}
		return nil, persistence("append answer", err)
	}

	step := &Step{
		Session:  next,
		Index:    next.QIdx,
		Total:    len(questions),
		Complete: last,
	}
	if !last {
		step.Question = questions[next.QIdx-1]
	}
	return step, nil
}

// ForceComplete は回答途中のセッションをその時点の回答で締め切る
func (e *Engine) ForceComplete(userID, threadTS string) (*Step, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	current, err := e.activeSession(userID, threadTS)
	if err != nil {
		return nil, err
	}

	next := *current
	next.DailyStatus = false
	next.CompletedAt = e.now()
	if err := e.store.PutUser(&next); err != nil {
		return nil, persistence("put user", err)
	}
	return &Step{
		Session:  next,
		Index:    next.QIdx,
		Total:    len(next.QuestionList()),
		Complete: true,
	}, nil
}

// CurrentSession は回答受付中のセッションを返す
func (e *Engine) CurrentSession(userID string) (*model.User, error) {
	user, err := e.store.GetUser(userID)
	if errors.Is(err, infra.ErrNotFound) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, persistence("get user", err)
	}
	if !user.DailyStatus {
		return nil, ErrNoActiveSession
	}
	return user, nil
}

func (e *Engine) activeSession(userID, threadTS string) (*model.User, error) {
	current, err := e.store.GetUser(userID)
	if errors.Is(err, infra.ErrNotFound) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, persistence("get user", err)
	}
	if !current.DailyStatus || threadTS == "" || current.ThreadTS != threadTS {
		return nil, ErrNoActiveSession
	}
	return current, nil
}

// SyncMember はメンバーをチャンネルのユーザーとして登録し、名前を更新する。
// 保存済みの行を読み直してから書くので、並行して始まったセッションを上書きしない。
// 別のチャンネルに所属しているユーザーならfalseを返す
func (e *Engine) SyncMember(channelID string, m model.Member) (*model.User, bool, error) {
	unlock := e.locks.lock(m.UserID)
	defer unlock()

	current, err := e.store.GetUser(m.UserID)
	if errors.Is(err, infra.ErrNotFound) {
		if m.Unresolved {
			return nil, false, nil
		}
		u := &model.User{
			UserID:        m.UserID,
			MainChannelID: channelID,
			RealName:      m.RealName,
		}
		if err := e.store.PutUser(u); err != nil {
			return nil, false, persistence("put user", err)
		}
		return u, true, nil
	}
	if err != nil {
		return nil, false, persistence("get user", err)
	}
	if current.MainChannelID != channelID {
		return current, false, nil
	}
	if m.RealName != "" && m.RealName != current.RealName && !current.DailyStatus {
		current.RealName = m.RealName
		if err := e.store.PutUser(current); err != nil {
			return nil, false, persistence("put user", err)
		}
	}
	return current, true, nil
}

// RemoveIdleUser はチャンネルを抜けたユーザーを消す。回答中なら残してfalseを返す
func (e *Engine) RemoveIdleUser(channelID, userID string) (bool, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	current, err := e.store.GetUser(userID)
	if errors.Is(err, infra.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, persistence("get user", err)
	}
	if current.MainChannelID != channelID || current.DailyStatus {
		return false, nil
	}
	if err := e.store.DeleteUser(userID); err != nil {
		return false, persistence("delete user", err)
	}
	return true, nil
}
