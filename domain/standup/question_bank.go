package standup

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pyama86/standup-control/domain/infra"
)

var ErrEmptyQuestion = errors.New("question body is empty")

// QuestionBank はチャンネルごとの質問の並び
type QuestionBank struct {
	store Store
}

func NewQuestionBank(store Store) *QuestionBank {
	return &QuestionBank{store: store}
}

// Bodies は質問本文を登録順に返す
func (b *QuestionBank) Bodies(channelID string) ([]string, error) {
	questions, err := b.store.ListQuestions(channelID)
	if err != nil {
		return nil, persistence("list questions", err)
	}
	bodies := make([]string, 0, len(questions))
	for _, q := range questions {
		bodies = append(bodies, q.Body)
	}
	return bodies, nil
}

func (b *QuestionBank) Append(channelID, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return ErrEmptyQuestion
	}
	if _, err := b.store.GetChannel(channelID); err != nil {
		if errors.Is(err, infra.ErrNotFound) {
			return ErrChannelNotRegistered
		}
		return persistence("get channel", err)
	}
	if err := b.store.AppendQuestion(channelID, body); err != nil {
		return persistence("append question", err)
	}
	return nil
}

// Remove はn番目(1始まり)の質問を削除する
func (b *QuestionBank) Remove(channelID string, ordinal int) error {
	if err := b.store.RemoveQuestion(channelID, ordinal); err != nil {
		if errors.Is(err, infra.ErrNotFound) {
			return fmt.Errorf("question #%d: %w", ordinal, err)
		}
		return persistence("remove question", err)
	}
	return nil
}
