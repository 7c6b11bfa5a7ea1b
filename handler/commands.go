package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/pyama86/standup-control/domain/infra"
	"github.com/pyama86/standup-control/domain/standup"
	"github.com/slack-go/slack"
)

const (
	cmdChannelAppend  = "/channel_append"
	cmdChannelPop     = "/channel_pop"
	cmdRefreshUsers   = "/refresh_users"
	cmdQuestions      = "/questions"
	cmdQuestionAppend = "/question_append"
	cmdQuestionPop    = "/question_pop"
	cmdCron           = "/cron"
	cmdCronSkip       = "/cron_skip"
	cmdCronStop       = "/cron_stop"
	cmdDailyNow       = "/daily_now"
)

const timeLayout = "2006-01-02 15:04 MST"

func (h *Handler) handleSlashCommand(cmd *slack.SlashCommand) {
	if cmd.ChannelName == "directmessage" || strings.HasPrefix(cmd.ChannelID, "D") {
		h.reply(cmd, "このコマンドはチャンネルで実行してください。")
		return
	}

	text, err := h.runCommand(cmd)
	if err != nil {
		slog.Error("slash command failed",
			slog.String("command", cmd.Command),
			slog.String("channel_id", cmd.ChannelID),
			slog.Any("err", err),
		)
		text = errorText(err)
	}
	if text != "" {
		h.reply(cmd, text)
	}
}

func (h *Handler) runCommand(cmd *slack.SlashCommand) (string, error) {
	arg := strings.TrimSpace(cmd.Text)
	switch cmd.Command {
	case cmdChannelAppend:
		n, err := h.orchestrator.RegisterChannel(cmd.TeamID, cmd.ChannelID, cmd.ChannelName)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("<#%s> をデイリーのチャンネルとして登録しました。メンバーは%d人です。", cmd.ChannelID, n), nil
	case cmdChannelPop:
		if err := h.orchestrator.UnregisterChannel(cmd.ChannelID); err != nil {
			return "", err
		}
		return fmt.Sprintf("<#%s> のデイリーの登録を解除しました。", cmd.ChannelID), nil
	case cmdRefreshUsers:
		if _, err := h.ds.GetChannel(cmd.ChannelID); err != nil {
			if errors.Is(err, infra.ErrNotFound) {
				return "", standup.ErrChannelNotRegistered
			}
			return "", err
		}
		members, err := h.orchestrator.SyncMembers(cmd.ChannelID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("メンバーを更新しました。メンバーは%d人です。", len(members)), nil
	case cmdQuestions:
		return h.questionsText(cmd.ChannelID)
	case cmdQuestionAppend:
		if err := h.orchestrator.Bank().Append(cmd.ChannelID, arg); err != nil {
			return "", err
		}
		return h.questionsText(cmd.ChannelID)
	case cmdQuestionPop:
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return "削除する質問の番号を指定してください。例: `/question_pop 2`", nil
		}
		if err := h.orchestrator.Bank().Remove(cmd.ChannelID, n); err != nil {
			return "", err
		}
		return h.questionsText(cmd.ChannelID)
	case cmdCron:
		if arg == "" {
			return h.scheduleText(cmd.ChannelID)
		}
		if err := h.orchestrator.Schedule(cmd.ChannelID, arg); err != nil {
			return "", err
		}
		next, err := h.orchestrator.NextRun(cmd.ChannelID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("デイリーのスケジュールを `%s` に設定しました。次回は %s です。", arg, next.Format(timeLayout)), nil
	case cmdCronSkip:
		next, err := h.orchestrator.SkipNext(cmd.ChannelID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("次回のデイリーをスキップしました。次回は %s です。", next.Format(timeLayout)), nil
	case cmdCronStop:
		if err := h.orchestrator.Unschedule(cmd.ChannelID); err != nil {
			return "", err
		}
		return "デイリーのスケジュールを停止しました。", nil
	case cmdDailyNow:
		if err := h.orchestrator.StartSessionNow(cmd.ChannelID); err != nil {
			return "", err
		}
		return "デイリーを開始しました。", nil
	default:
		return fmt.Sprintf("`%s` は知らないコマンドです。", cmd.Command), nil
	}
}

func (h *Handler) questionsText(channelID string) (string, error) {
	bodies, err := h.orchestrator.Bank().Bodies(channelID)
	if err != nil {
		return "", err
	}
	if len(bodies) == 0 {
		return "質問はまだ登録されていません。`/question_append` で追加してください。", nil
	}
	var b strings.Builder
	b.WriteString("*デイリーの質問*\n")
	for i, body := range bodies {
		fmt.Fprintf(&b, "%d. %s\n", i+1, body)
	}
	return b.String(), nil
}

func (h *Handler) scheduleText(channelID string) (string, error) {
	ch, err := h.ds.GetChannel(channelID)
	if err != nil {
		if errors.Is(err, infra.ErrNotFound) {
			return "", standup.ErrChannelNotRegistered
		}
		return "", err
	}
	if ch.Cron == "" {
		return "スケジュールは設定されていません。例: `/cron 0 10 * * 1-5`", nil
	}
	next, err := h.orchestrator.NextRun(channelID)
	if err != nil {
		return fmt.Sprintf("スケジュール: `%s`", ch.Cron), nil
	}
	return fmt.Sprintf("スケジュール: `%s`\n次回: %s", ch.Cron, next.Format(timeLayout)), nil
}

func errorText(err error) string {
	switch {
	case errors.Is(err, standup.ErrChannelNotRegistered):
		return "このチャンネルは登録されていません。先に `/channel_append` を実行してください。"
	case errors.Is(err, standup.ErrInvalidSchedule):
		return fmt.Sprintf("cronの書式が正しくありません。例: `0 10 * * 1-5`\n```%v```", err)
	case errors.Is(err, standup.ErrNotScheduled), errors.Is(err, standup.ErrNoActiveJob):
		return "スケジュールが設定されていません。"
	case errors.Is(err, standup.ErrEmptyQuestion):
		return "質問の本文を指定してください。例: `/question_append 昨日やったことは？`"
	case errors.Is(err, infra.ErrNotFound):
		return "指定された番号の質問はありません。"
	default:
		return fmt.Sprintf("エラーが発生しました: %v", err)
	}
}

func (h *Handler) reply(cmd *slack.SlashCommand, text string) {
	if _, err := h.client.PostEphemeral(cmd.ChannelID, cmd.UserID, slack.MsgOptionText(text, false)); err != nil {
		slog.Error("PostEphemeral failed", slog.Any("err", err))
	}
}
