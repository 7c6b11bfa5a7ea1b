package model

import "time"

// デイリーを実施するチャンネル
type Channel struct {
	ChannelID   string `gorm:"column:channel_id;primary_key;type:varchar(50)"`
	TeamID      string `gorm:"column:team_id;type:varchar(50)"`
	ChannelName string `gorm:"column:channel_name;type:varchar(255)"`
	Cron        string `gorm:"column:cron;type:varchar(100)"` // 未設定なら空
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Channel) TableName() string { return "channels" }

// Question はチャンネルに紐づく質問。並び順は登録順
type Question struct {
	ID        uint   `gorm:"primary_key"`
	ChannelID string `gorm:"column:channel_id;type:varchar(50)"`
	Body      string `gorm:"column:body;type:text"`
	CreatedAt time.Time
}

func (Question) TableName() string { return "questions" }

// Member はチャンネルに参加しているbot以外のユーザー
type Member struct {
	UserID   string
	RealName string
	IconURL  string
	// ユーザー情報を取れなかった。チャンネルにはいるが名前やbotかどうかは不明
	Unresolved bool
}
