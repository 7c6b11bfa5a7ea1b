package standup

import (
	"errors"
	"fmt"
)

var (
	// cron式として解釈できない
	ErrInvalidSchedule = errors.New("invalid schedule expression")

	// チャンネルにcronが設定されていない
	ErrNotScheduled = errors.New("channel is not scheduled")

	// チャンネルのジョブが登録されていない
	ErrNoActiveJob = errors.New("no active job for channel")

	// 回答を受け付けているセッションがない、またはスレッドが違う
	ErrNoActiveSession = errors.New("no active session")

	ErrChannelNotRegistered = errors.New("channel is not registered")
)

// DeliveryError はSlackへの送信失敗。ユーザー単位で扱い、他のユーザーへの送信は止めない
type DeliveryError struct {
	UserID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// PersistenceError は保存に失敗した操作。この場合の状態変更はなかったものとして扱う
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
