package model

import (
	"fmt"
	"strings"
)

// Event はSlackから受け取ったイベントを正規化したもの
type Event interface {
	Validate() error
}

// SessionStartEvent はチャンネルのデイリー開始(cronまたは手動)
type SessionStartEvent struct {
	ChannelID string
}

// AnswerEvent はDMでのユーザーの返信
type AnswerEvent struct {
	UserID    string
	ChannelID string
	ThreadTS  string
	Text      string
}

// MembershipChangeEvent はチャンネルへの参加/退出
type MembershipChangeEvent struct {
	ChannelID string
	UserID    string
	Joined    bool
}

func (e SessionStartEvent) Validate() error {
	if e.ChannelID == "" {
		return fmt.Errorf("session start: channel_id is empty")
	}
	return nil
}

func (e AnswerEvent) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("answer: user_id is empty")
	}
	if strings.TrimSpace(e.Text) == "" {
		return fmt.Errorf("answer: text is empty")
	}
	return nil
}

func (e MembershipChangeEvent) Validate() error {
	if e.ChannelID == "" || e.UserID == "" {
		return fmt.Errorf("membership change: channel_id and user_id are required")
	}
	return nil
}
