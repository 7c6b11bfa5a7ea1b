package standup

import (
	"fmt"

	"github.com/pyama86/standup-control/domain/model"
	"github.com/slack-go/slack"
)

func greetingMessage(realName, channelName string) *model.Message {
	header := fmt.Sprintf("%sさん、おはようございます！ :sun_with_face:", realName)
	if realName == "" {
		header = "おはようございます！ :sun_with_face:"
	}
	return &model.Message{
		Text: header,
		Blocks: []slack.Block{
			slack.NewContextBlock("",
				slack.NewTextBlockObject("mrkdwn", header, false, false),
			),
			slack.NewDividerBlock(),
			slack.NewSectionBlock(
				slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*#%s のデイリーの時間です* :memo:\nこのスレッドに返信して質問に答えてください。", channelName), false, false),
				nil, nil,
			),
		},
	}
}

func questionMessage(step *Step, threadTS string) *model.Message {
	return &model.Message{
		Text:     fmt.Sprintf("*Q%d/%d.* %s", step.Index, step.Total, step.Question),
		ThreadTS: threadTS,
	}
}

func completedMessage(channelID, threadTS string) *model.Message {
	return &model.Message{
		Text:     fmt.Sprintf(":white_check_mark: 回答ありがとうございました！全員がそろったら <#%s> にレポートを投稿します。", channelID),
		ThreadTS: threadTS,
	}
}

func noQuestionsMessage(threadTS string) *model.Message {
	return &model.Message{
		Text:     "質問が登録されていないので、今日のデイリーはこれで終わりです。",
		ThreadTS: threadTS,
	}
}

func timedOutMessage(threadTS string) *model.Message {
	return &model.Message{
		Text:     ":hourglass: 回答期限を過ぎたので、ここまでの回答でデイリーを締め切りました。",
		ThreadTS: threadTS,
	}
}

func noActiveSessionMessage(threadTS string) *model.Message {
	return &model.Message{
		Text:     ":warning: 現在回答を受け付けているデイリーはありません。最新のデイリーのスレッドに返信してください。",
		ThreadTS: threadTS,
	}
}

func reminderMessage(userID string) *model.Message {
	return &model.Message{
		Text: fmt.Sprintf("<@%s> さん、デイリーの回答をお待ちしています。", userID),
	}
}
