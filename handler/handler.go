package handler

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pyama86/standup-control/domain/infra"
	"github.com/pyama86/standup-control/domain/model"
	"github.com/pyama86/standup-control/domain/standup"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

type Handler struct {
	client        infra.SlackAPI
	userInfoCache *ttlcache.Cache[string, *slack.User]
	seenEvents    *ttlcache.Cache[string, bool]
	ds            infra.Datastore
	orchestrator  *standup.Orchestrator
	botID         string
}

func NewHandler() (*Handler, error) {
	var ds infra.Datastore
	var err error
	if os.Getenv("DB_DRIVER") == "dynamodb" {
		ds, err = infra.NewDynamoDB()
		if err != nil {
			return nil, err
		}
	} else {
		ds, err = infra.NewDataBase()
		if err != nil {
			return nil, err
		}
	}

	cfg, err := configFromEnv()
	if err != nil {
		return nil, err
	}

	api := slack.New(os.Getenv("SLACK_BOT_TOKEN"))
	h := &Handler{
		client:        api,
		userInfoCache: ttlcache.New(ttlcache.WithTTL[string, *slack.User](24 * time.Hour)),
		seenEvents:    ttlcache.New(ttlcache.WithTTL[string, bool](10 * time.Minute)),
		ds:            ds,
	}

	reports, err := newReportCompiler(h)
	if err != nil {
		return nil, err
	}
	h.orchestrator = standup.NewOrchestrator(cfg, ds, h, h, reports)

	go h.userInfoCache.Start()
	go h.seenEvents.Start()
	return h, nil
}

func configFromEnv() (standup.Config, error) {
	cfg := standup.DefaultConfig()

	tz := "Asia/Tokyo"
	if os.Getenv("STANDUP_TIMEZONE") != "" {
		tz = os.Getenv("STANDUP_TIMEZONE")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return cfg, fmt.Errorf("invalid STANDUP_TIMEZONE: %w", err)
	}
	cfg.Location = loc

	durations := map[string]*time.Duration{
		"STANDUP_INACTIVITY_CUTOFF": &cfg.InactivityCutoff,
		"STANDUP_REMIND_AFTER":      &cfg.RemindAfter,
		"STANDUP_SWEEP_INTERVAL":    &cfg.SweepInterval,
	}
	for env, dst := range durations {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", env, err)
		}
		*dst = d
	}

	if v := os.Getenv("STANDUP_FANOUT_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid STANDUP_FANOUT_LIMIT: %q", v)
		}
		cfg.FanoutLimit = n
	}
	return cfg, nil
}

// Start は保存済みのスケジュールを復元してデイリーの運用を開始する
func (h *Handler) Start() error {
	return h.orchestrator.Start()
}

func (h *Handler) Stop() {
	h.orchestrator.Stop()
	h.userInfoCache.Stop()
	h.seenEvents.Stop()
}

func (h *Handler) Handle() error {
	webApi := slack.New(
		os.Getenv("SLACK_BOT_TOKEN"),
		slack.OptionAppLevelToken(os.Getenv("SLACK_APP_TOKEN")),
	)
	socketMode := socketmode.New(
		webApi,
	)
	authTest, authTestErr := webApi.AuthTest()
	if authTestErr != nil {
		fmt.Fprintf(os.Stderr, "SLACK_BOT_TOKEN is invalid: %v\n", authTestErr)
		os.Exit(1)
	}
	h.botID = authTest.UserID

	go func() {
		for envelope := range socketMode.Events {
			switch envelope.Type {
			case socketmode.EventTypeEventsAPI:
				socketMode.Ack(*envelope.Request)
				eventPayload, ok := envelope.Data.(slackevents.EventsAPIEvent)
				if !ok {
					slog.Error("Failed to cast to EventsAPIEvent")
					continue
				}
				h.handleCallBack(&eventPayload)
			case socketmode.EventTypeSlashCommand:
				socketMode.Ack(*envelope.Request)
				cmd, ok := envelope.Data.(slack.SlashCommand)
				if !ok {
					slog.Error("Failed to cast to SlashCommand")
					continue
				}
				go h.handleSlashCommand(&cmd)
			default:
				socketMode.Debugf("Skipped: %v", envelope.Type)
			}
		}
	}()

	return socketMode.Run()
}

func getUserPreferredName(user *slack.User) string {
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	if user.RealName != "" {
		return user.RealName
	}
	return user.Name
}

func (h *Handler) handleCallBack(event *slackevents.EventsAPIEvent) {
	switch event.Type {
	case slackevents.CallbackEvent:
		innerEvent := event.InnerEvent
		switch ev := innerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			// DMでの返信だけを回答として扱う
			if ev.ChannelType != "im" || ev.BotID != "" || ev.SubType != "" || ev.User == "" || ev.User == h.getBotUserID() {
				return
			}
			key := ev.ClientMsgID
			if key == "" {
				key = ev.Channel + ":" + ev.TimeStamp
			}
			if h.seen(key) {
				return
			}
			// レポートの投稿で他のイベントを止めない
			go h.handleAnswer(ev)
		case *slackevents.MemberJoinedChannelEvent:
			h.handleMembership(ev.Channel, ev.User, true)
		case *slackevents.MemberLeftChannelEvent:
			h.handleMembership(ev.Channel, ev.User, false)
		}
	default:
		slog.Warn("Unsupported EventsAPIEvent type", slog.Any("type", event.Type))
	}
}

// seen は同じイベントの再送を弾く
func (h *Handler) seen(key string) bool {
	if h.seenEvents.Get(key) != nil {
		return true
	}
	h.seenEvents.Set(key, true, ttlcache.DefaultTTL)
	return false
}

func (h *Handler) handleAnswer(ev *slackevents.MessageEvent) {
	err := h.orchestrator.Dispatch(model.AnswerEvent{
		UserID:    ev.User,
		ChannelID: ev.Channel,
		ThreadTS:  ev.ThreadTimeStamp,
		Text:      ev.Text,
	})
	if err != nil {
		slog.Info("answer rejected", slog.String("user_id", ev.User), slog.Any("err", err))
	}
}

func (h *Handler) handleMembership(channelID, userID string, joined bool) {
	if userID == h.getBotUserID() {
		return
	}
	if _, err := h.ds.GetChannel(channelID); err != nil {
		return
	}

	if err := h.orchestrator.Dispatch(model.MembershipChangeEvent{
		ChannelID: channelID,
		UserID:    userID,
		Joined:    joined,
	}); err != nil {
		slog.Error("membership change failed", slog.String("channel_id", channelID), slog.String("user_id", userID), slog.Any("err", err))
		return
	}

	// チャンネルの作成者にだけ知らせる
	ch, err := h.client.GetConversationInfo(&slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		slog.Error("GetConversationInfo failed", slog.Any("err", err))
		return
	}
	if ch.Creator == "" {
		return
	}
	text := fmt.Sprintf("<@%s> さんをデイリーのメンバーに追加しました。", userID)
	if !joined {
		text = fmt.Sprintf("<@%s> さんをデイリーのメンバーから外しました。", userID)
	}
	if _, err := h.client.PostEphemeral(channelID, ch.Creator, slack.MsgOptionText(text, false)); err != nil {
		slog.Error("PostEphemeral failed", slog.Any("err", err))
	}
}

func (h *Handler) getUserInfo(userID string) (*slack.User, error) {
	cacheKey := "user_" + userID
	if user := h.userInfoCache.Get(cacheKey); user != nil {
		return user.Value(), nil
	}
	user, err := h.client.GetUserInfo(userID)
	if err != nil {
		return nil, err
	}
	h.userInfoCache.Set(cacheKey, user, ttlcache.DefaultTTL)
	return user, nil
}

func (h *Handler) getBotUserID() string {
	if h.botID == "" {
		authResp, err := h.client.AuthTest()
		if err != nil {
			slog.Error("Failed to get bot user ID", slog.Any("err", err))
			return ""
		}
		slog.Info("Bot user ID", slog.Any("id", authResp.UserID))
		h.botID = authResp.UserID
	}
	return h.botID
}
