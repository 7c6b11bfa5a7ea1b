package handler

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pyama86/standup-control/domain/infra"
	"github.com/pyama86/standup-control/domain/model"
	"github.com/slack-go/slack"
)

var palette = []string{"#e8aeb7", "#b8e1ff", "#3c7a89", "#f4d06f", "#82aba1"}

type summarizer interface {
	SummarizeStandup(channelName string, reports []model.SessionReport) (string, error)
}

// reportCompiler はメンバーごとに1投稿のレポートを作る
type reportCompiler struct {
	h          *Handler
	summarizer summarizer
	useAvatars bool
}

func newReportCompiler(h *Handler) (*reportCompiler, error) {
	rc := &reportCompiler{
		h:          h,
		useAvatars: strings.ToLower(os.Getenv("USE_AVATARS")) != "false",
	}
	ai, err := infra.NewOpenAI()
	if err != nil {
		return nil, err
	}
	if ai != nil {
		rc.summarizer = ai
	}
	return rc, nil
}

func (r *reportCompiler) Compile(channel *model.Channel, reports []model.SessionReport) ([]*model.Message, error) {
	messages := []*model.Message{}
	if len(reports) == 0 {
		return messages, nil
	}

	if r.summarizer != nil {
		summary, err := r.summarizer.SummarizeStandup(channel.ChannelName, reports)
		if err != nil {
			slog.Error("SummarizeStandup failed", slog.Any("err", err))
		} else if strings.TrimSpace(summary) != "" {
			messages = append(messages, &model.Message{
				Text: fmt.Sprintf(":robot_face: *今日のデイリーのまとめ*\n%s", summary),
			})
		}
	}

	for _, report := range reports {
		messages = append(messages, r.compileOne(report))
	}
	return messages, nil
}

func (r *reportCompiler) compileOne(report model.SessionReport) *model.Message {
	name := report.User.RealName
	if name == "" {
		name = fmt.Sprintf("<@%s>", report.User.UserID)
	}

	text := fmt.Sprintf("*%s* さんのデイリー", name)
	if report.Partial {
		text += " :hourglass: (回答途中で締め切り)"
	}
	if len(report.Answers) == 0 {
		text += "\n回答はありませんでした。"
	}

	attachments := make([]slack.Attachment, 0, len(report.Answers))
	for i, a := range report.Answers {
		attachments = append(attachments, slack.Attachment{
			Color:      palette[i%len(palette)],
			Title:      a.Question,
			Text:       a.Answer,
			MarkdownIn: []string{"text"},
		})
	}

	msg := &model.Message{
		Text:        text,
		Attachments: attachments,
	}
	if r.useAvatars {
		user, err := r.h.getUserInfo(report.User.UserID)
		if err != nil {
			slog.Error("GetUserInfo failed", slog.String("user_id", report.User.UserID), slog.Any("err", err))
		} else {
			msg.Username = getUserPreferredName(user)
			msg.IconURL = user.Profile.Image192
		}
	}
	return msg
}
