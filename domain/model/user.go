package model

import (
	"encoding/json"
	"time"
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateAsking
	StateCompleted
)

func (s SessionState) String() string {
	switch s {
	case StateAsking:
		return "asking"
	case StateCompleted:
		return "completed"
	default:
		return "idle"
	}
}

// User はユーザーと当日のデイリーのセッション状態を兼ねる
type User struct {
	UserID        string `gorm:"column:user_id;primary_key;type:varchar(50)"`
	DailyStatus   bool   `gorm:"column:daily_status"`
	QIdx          int    `gorm:"column:q_idx"` // 0: セッションなし, 開始後は1始まり
	MainChannelID string `gorm:"column:main_channel_id;type:varchar(50)"`
	RealName      string `gorm:"column:real_name;type:varchar(255)"`
	ThreadTS      string `gorm:"column:thread_ts;type:varchar(20)"`
	DMChannelID   string `gorm:"column:dm_channel_id;type:varchar(50)"`
	Questions     string `gorm:"column:questions;type:text"` // 開始時点の質問(JSON)
	StartedAt     time.Time
	CompletedAt   time.Time
	UpdatedAt     time.Time
}

func (User) TableName() string { return "users" }

func (u *User) State() SessionState {
	switch {
	case u.DailyStatus:
		return StateAsking
	case !u.StartedAt.IsZero():
		return StateCompleted
	default:
		return StateIdle
	}
}

// QuestionList はセッション開始時に確定した質問の並びを返す
func (u *User) QuestionList() []string {
	if u.Questions == "" {
		return nil
	}
	var qs []string
	if err := json.Unmarshal([]byte(u.Questions), &qs); err != nil {
		return nil
	}
	return qs
}

func (u *User) SetQuestionList(qs []string) error {
	if qs == nil {
		qs = []string{}
	}
	b, err := json.Marshal(qs)
	if err != nil {
		return err
	}
	u.Questions = string(b)
	return nil
}

// CurrentQuestion は回答待ちの質問。セッション中でなければ空
func (u *User) CurrentQuestion() string {
	qs := u.QuestionList()
	if !u.DailyStatus || u.QIdx < 1 || u.QIdx > len(qs) {
		return ""
	}
	return qs[u.QIdx-1]
}

// Answer はセッション内の質問番号(1始まり)に対する回答
type Answer struct {
	ID          uint   `gorm:"primary_key"`
	UserID      string `gorm:"column:user_id;type:varchar(50)"`
	QuestionIdx int    `gorm:"column:question_idx"`
	Question    string `gorm:"column:question;type:text"`
	Answer      string `gorm:"column:answer;type:text"`
	CreatedAt   time.Time
}

func (Answer) TableName() string { return "answers" }

// DailyThread はその日のセッションのDMスレッド
type DailyThread struct {
	ThreadTS     string `gorm:"column:thread_ts;primary_key;type:varchar(20)"`
	UserID       string `gorm:"column:user_id;type:varchar(50)"`
	ChannelID    string `gorm:"column:channel_id;type:varchar(50)"` // DMのチャンネル
	WasMentioned bool   `gorm:"column:was_mentioned"`
	CreatedAt    time.Time
}

func (DailyThread) TableName() string { return "daily" }

// SessionReport はレポート作成に渡す1ユーザー分の結果
type SessionReport struct {
	User    User
	Answers []Answer
	// タイムアウトで締め切られた
	Partial bool
}
