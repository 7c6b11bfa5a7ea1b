package model

import "github.com/slack-go/slack"

type Message struct {
	Text        string
	ThreadTS    string
	Username    string
	IconURL     string
	Blocks      []slack.Block
	Attachments []slack.Attachment
}

func (m *Message) MsgOptions() []slack.MsgOption {
	opts := []slack.MsgOption{}
	if m.Text != "" {
		opts = append(opts, slack.MsgOptionText(m.Text, false))
	}
	if len(m.Blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(m.Blocks...))
	}
	if len(m.Attachments) > 0 {
		opts = append(opts, slack.MsgOptionAttachments(m.Attachments...))
	}
	if m.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(m.ThreadTS))
	}
	if m.Username != "" {
		opts = append(opts, slack.MsgOptionUsername(m.Username))
	}
	if m.IconURL != "" {
		opts = append(opts, slack.MsgOptionIconURL(m.IconURL))
	}
	return opts
}
