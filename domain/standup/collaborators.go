package standup

import "github.com/pyama86/standup-control/domain/model"

// Store はセッションの永続化先
type Store interface {
	GetChannel(string) (*model.Channel, error)
	SaveChannel(*model.Channel) error
	ListChannels() ([]model.Channel, error)
	UpdateChannelCron(string, string) error
	DeleteChannel(string) error

	AppendQuestion(string, string) error
	ListQuestions(string) ([]model.Question, error)
	RemoveQuestion(string, int) error

	GetUser(string) (*model.User, error)
	PutUser(*model.User) error
	AppendAnswer(*model.User, *model.Answer) error
	ListAnswers(string) ([]model.Answer, error)
	ListUsersByChannel(string) ([]model.User, error)
	ListActiveByChannel(string) ([]model.User, error)
	DeleteUser(string) error

	GetDailyThread(string) (*model.DailyThread, error)
	MarkMentioned(string) error
}

// Messenger はチャットへの送信
type Messenger interface {
	// DMのチャンネルを開く
	OpenDirectChannel(userID string) (string, error)
	// DMを送ってメッセージのtsを返す
	SendDirectMessage(channelID string, msg *model.Message) (string, error)
	SendChannelMessage(channelID string, msg *model.Message) error
}

// Membership はチャンネルのメンバー一覧
type Membership interface {
	ListNonBotMembers(channelID string) ([]model.Member, error)
}

// ReportCompiler は終わったセッションからチャンネルに投稿するレポートを作る
type ReportCompiler interface {
	Compile(channel *model.Channel, reports []model.SessionReport) ([]*model.Message, error)
}
