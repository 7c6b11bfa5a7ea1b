package handler

import (
	"fmt"
	"log/slog"

	"github.com/pyama86/standup-control/domain/model"
	"github.com/slack-go/slack"
)

func (h *Handler) OpenDirectChannel(userID string) (string, error) {
	ch, _, _, err := h.client.OpenConversation(&slack.OpenConversationParameters{
		Users: []string{userID},
	})
	if err != nil {
		return "", fmt.Errorf("OpenConversation failed: %w", err)
	}
	return ch.ID, nil
}

func (h *Handler) SendDirectMessage(channelID string, msg *model.Message) (string, error) {
	_, ts, err := h.client.PostMessage(channelID, msg.MsgOptions()...)
	if err != nil {
		return "", fmt.Errorf("PostMessage failed: %w", err)
	}
	return ts, nil
}

func (h *Handler) SendChannelMessage(channelID string, msg *model.Message) error {
	if _, _, err := h.client.PostMessage(channelID, msg.MsgOptions()...); err != nil {
		return fmt.Errorf("PostMessage failed: %w", err)
	}
	return nil
}

// ListNonBotMembers はチャンネルのメンバーからbotと退会済みユーザーを除いて返す。
// ユーザー情報を取れなかったメンバーは Unresolved として含める
func (h *Handler) ListNonBotMembers(channelID string) ([]model.Member, error) {
	var ids []string
	cursor := ""
	for {
		page, next, err := h.client.GetUsersInConversation(&slack.GetUsersInConversationParameters{
			ChannelID: channelID,
			Cursor:    cursor,
			Limit:     200,
		})
		if err != nil {
			return nil, fmt.Errorf("GetUsersInConversation failed: %w", err)
		}
		ids = append(ids, page...)
		if next == "" {
			break
		}
		cursor = next
	}

	members := make([]model.Member, 0, len(ids))
	for _, id := range ids {
		if id == "USLACKBOT" || id == h.getBotUserID() {
			continue
		}
		user, err := h.getUserInfo(id)
		if err != nil {
			// 一時的な失敗で退出扱いにしない
			slog.Error("GetUserInfo failed", slog.String("user_id", id), slog.Any("err", err))
			members = append(members, model.Member{UserID: id, Unresolved: true})
			continue
		}
		if user.IsBot || user.Deleted {
			continue
		}
		members = append(members, model.Member{
			UserID:   id,
			RealName: getUserPreferredName(user),
			IconURL:  user.Profile.Image192,
		})
	}
	return members, nil
}
