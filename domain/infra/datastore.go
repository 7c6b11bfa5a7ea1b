package infra

import (
	"errors"
	"time"

	"github.com/pyama86/standup-control/domain/model"
)

var ErrNotFound = errors.New("not found")

// ErrThreadMismatch は保存済みのスレッドと異なるセッションへの書き込み
var ErrThreadMismatch = errors.New("session thread mismatch")

type Datastore interface {
	// チャンネルを登録する
	SaveChannel(*model.Channel) error
	// チャンネルを1件取得する
	GetChannel(string) (*model.Channel, error)
	// 登録済みのチャンネルを全件取得する
	ListChannels() ([]model.Channel, error)
	// cronを更新する。空文字で解除
	UpdateChannelCron(string, string) error
	// チャンネルと紐づく質問・ユーザー・回答・スレッドを削除する
	DeleteChannel(string) error

	// 質問を末尾に追加する
	AppendQuestion(string, string) error
	// 質問を登録順に取得する
	ListQuestions(string) ([]model.Question, error)
	// n番目(1始まり)の質問を削除する
	RemoveQuestion(string, int) error

	// ユーザーを取得する
	GetUser(string) (*model.User, error)
	// ユーザーを保存する。スレッドが変わった場合は回答を消してスレッドを記録する
	PutUser(*model.User) error
	// 回答と進めたセッション状態を同時に保存する
	AppendAnswer(*model.User, *model.Answer) error
	// 回答を質問順に取得する
	ListAnswers(string) ([]model.Answer, error)
	// チャンネルのユーザーを取得する
	ListUsersByChannel(string) ([]model.User, error)
	// チャンネルの回答待ちのユーザーを取得する
	ListActiveByChannel(string) ([]model.User, error)
	// ユーザーを削除する
	DeleteUser(string) error

	// スレッドを取得する
	GetDailyThread(string) (*model.DailyThread, error)
	// チャンネルでメンション済みにする
	MarkMentioned(string) error
}

func timeNow() time.Time {
	return time.Now().UTC()
}
