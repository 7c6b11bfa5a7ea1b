package infra

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"github.com/pyama86/standup-control/domain/model"
)

type OpenAI struct {
	client *openai.Client
}

func NewOpenAI() (*OpenAI, error) {
	if os.Getenv("OPENAI_API_KEY") == "" && os.Getenv("AZURE_OPENAI_KEY") == "" {
		return nil, nil
	}
	client, err := newOpenAIClient()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
	}
	return &OpenAI{
		client: client,
	}, nil
}

func newOpenAIClient() (*openai.Client, error) {
	if os.Getenv("AZURE_OPENAI_ENDPOINT") != "" {
		return newAzureClient()
	}

	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	options := []option.RequestOption{
		option.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
	}

	c := openai.NewClient(options...)
	return &c, nil
}

func newAzureClient() (*openai.Client, error) {
	key := os.Getenv("AZURE_OPENAI_KEY")
	if key == "" {
		return nil, fmt.Errorf("AZURE_OPENAI_KEY is not set")
	}
	var azureOpenAIEndpoint = os.Getenv("AZURE_OPENAI_ENDPOINT")

	var azureOpenAIAPIVersion = "2025-01-01-preview"

	if os.Getenv("AZURE_OPENAI_API_VERSION") != "" {
		azureOpenAIAPIVersion = os.Getenv("AZURE_OPENAI_API_VERSION")
	}

	c := openai.NewClient(
		azure.WithEndpoint(azureOpenAIEndpoint, azureOpenAIAPIVersion),
		azure.WithAPIKey(key),
	)
	return &c, nil
}

func (h *OpenAI) SummarizeStandup(channelName string, reports []model.SessionReport) (string, error) {
	var body strings.Builder
	for _, r := range reports {
		fmt.Fprintf(&body, "### %s\n", r.User.RealName)
		if r.Partial {
			body.WriteString("(時間切れで締め切り)\n")
		}
		for _, a := range r.Answers {
			fmt.Fprintf(&body, "- Q: %s\n  A: %s\n", a.Question, a.Answer)
		}
	}

	prompt := fmt.Sprintf(`## 依頼内容
あなたに渡すコンテンツは私達のチーム #%s の今日のデイリースタンドアップの回答です。
メンバーごとに質問と回答が並んでいます。
チームで状況を把握するためのサマリを作ってください。

## 回答内容の指定
- 進捗を簡潔にまとめる
- ブロッカーや困りごとを挙げているメンバーがいればピックアップする
- 回答が途中のメンバーがいればその旨を書く

## フォーマットの指定
*全体の進捗*
> {チーム全体の状況}

*ブロッカー*
> {ブロッカーを羅列して、必要であればコメントしてください}

## 現在時刻
%s
## 回答内容
%s
`,
		channelName,
		timeNow().Format("2006-01-02 15:04:05"),
		body.String(),
	)

	response, err := h.client.Chat.Completions.New(context.TODO(), openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model: os.Getenv("OPENAI_MODEL"),
	})

	if err != nil {
		return "", fmt.Errorf("failed to call OpenAI API: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("OpenAI API returned no choices")
	}

	return response.Choices[0].Message.Content, nil
}
