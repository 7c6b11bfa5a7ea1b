package infra

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/jinzhu/gorm"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pyama86/standup-control/domain/model"
)

// 外部キーでチャンネル/ユーザーより長生きする行を作らない
var schema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
	channel_id VARCHAR(50) PRIMARY KEY NOT NULL,
	team_id VARCHAR(50) NOT NULL DEFAULT '',
	channel_name VARCHAR(255) NOT NULL DEFAULT '',
	cron VARCHAR(100),
	created_at DATETIME,
	updated_at DATETIME
)`,
	`CREATE TABLE IF NOT EXISTS users (
	user_id VARCHAR(50) PRIMARY KEY NOT NULL,
	daily_status BOOLEAN NOT NULL DEFAULT FALSE,
	q_idx INTEGER NOT NULL DEFAULT 0,
	main_channel_id VARCHAR(50) NOT NULL REFERENCES channels (channel_id) ON DELETE CASCADE,
	real_name VARCHAR(255) NOT NULL DEFAULT '',
	thread_ts VARCHAR(20) NOT NULL DEFAULT '',
	dm_channel_id VARCHAR(50) NOT NULL DEFAULT '',
	questions TEXT NOT NULL DEFAULT '',
	started_at DATETIME,
	completed_at DATETIME,
	updated_at DATETIME
)`,
	`CREATE INDEX IF NOT EXISTS idx_users_main_channel_id ON users (main_channel_id)`,
	`CREATE TABLE IF NOT EXISTS questions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id VARCHAR(50) NOT NULL REFERENCES channels (channel_id) ON DELETE CASCADE,
	body TEXT NOT NULL,
	created_at DATETIME
)`,
	`CREATE TABLE IF NOT EXISTS answers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id VARCHAR(50) NOT NULL REFERENCES users (user_id) ON DELETE CASCADE,
	question_idx INTEGER NOT NULL,
	question TEXT NOT NULL DEFAULT '',
	answer TEXT NOT NULL,
	created_at DATETIME
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_answers_user_question ON answers (user_id, question_idx)`,
	`CREATE TABLE IF NOT EXISTS daily (
	thread_ts VARCHAR(20) PRIMARY KEY NOT NULL,
	user_id VARCHAR(50) NOT NULL REFERENCES users (user_id) ON DELETE CASCADE,
	channel_id VARCHAR(50) NOT NULL DEFAULT '',
	was_mentioned BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME
)`,
}

type DataBase struct {
	db *gorm.DB
}

func NewDataBase() (*DataBase, error) {
	dbpath := "./db/standup.db"
	if os.Getenv("DB_PATH") != "" {
		dbpath = os.Getenv("DB_PATH")
	}
	if !path.IsAbs(dbpath) {
		dbpath = path.Join(os.Getenv("PWD"), dbpath)
	}
	return OpenDataBase(dbpath)
}

func OpenDataBase(dbpath string) (*DataBase, error) {
	if err := os.MkdirAll(filepath.Dir(dbpath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}
	db, err := gorm.Open("sqlite3", dbpath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// sqliteは書き込みが1本しか通らないので接続を1つに絞る
	db.DB().SetMaxOpenConns(1)
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return &DataBase{db: db}, nil
}

func (d *DataBase) Close() error {
	return d.db.Close()
}

func (d *DataBase) SaveChannel(channel *model.Channel) error {
	return d.db.Save(channel).Error
}

func (d *DataBase) GetChannel(channelID string) (*model.Channel, error) {
	var channel model.Channel
	err := d.db.Where("channel_id = ?", channelID).First(&channel).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &channel, nil
}

func (d *DataBase) ListChannels() ([]model.Channel, error) {
	var channels []model.Channel
	err := d.db.Order("channel_id asc").Find(&channels).Error
	return channels, err
}

func (d *DataBase) UpdateChannelCron(channelID, cron string) error {
	result := d.db.Model(&model.Channel{}).Where("channel_id = ?", channelID).Update("cron", cron)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DataBase) DeleteChannel(channelID string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		sub := "SELECT user_id FROM users WHERE main_channel_id = ?"
		if err := tx.Exec("DELETE FROM answers WHERE user_id IN ("+sub+")", channelID).Error; err != nil {
			return fmt.Errorf("delete answers failed: %w", err)
		}
		if err := tx.Exec("DELETE FROM daily WHERE user_id IN ("+sub+")", channelID).Error; err != nil {
			return fmt.Errorf("delete threads failed: %w", err)
		}
		if err := tx.Where("main_channel_id = ?", channelID).Delete(&model.User{}).Error; err != nil {
			return fmt.Errorf("delete users failed: %w", err)
		}
		if err := tx.Where("channel_id = ?", channelID).Delete(&model.Question{}).Error; err != nil {
			return fmt.Errorf("delete questions failed: %w", err)
		}
		return tx.Where("channel_id = ?", channelID).Delete(&model.Channel{}).Error
	})
}

func (d *DataBase) AppendQuestion(channelID, body string) error {
	return d.db.Create(&model.Question{
		ChannelID: channelID,
		Body:      body,
	}).Error
}

func (d *DataBase) ListQuestions(channelID string) ([]model.Question, error) {
	var questions []model.Question
	err := d.db.Where("channel_id = ?", channelID).Order("id asc").Find(&questions).Error
	return questions, err
}

func (d *DataBase) RemoveQuestion(channelID string, ordinal int) error {
	questions, err := d.ListQuestions(channelID)
	if err != nil {
		return err
	}
	if ordinal < 1 || ordinal > len(questions) {
		return ErrNotFound
	}
	return d.db.Where("id = ?", questions[ordinal-1].ID).Delete(&model.Question{}).Error
}

func (d *DataBase) GetUser(userID string) (*model.User, error) {
	var user model.User
	err := d.db.Where("user_id = ?", userID).First(&user).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (d *DataBase) PutUser(user *model.User) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var current model.User
		err := tx.Where("user_id = ?", user.UserID).First(&current).Error
		if err != nil && !gorm.IsRecordNotFoundError(err) {
			return err
		}

		// 新しいスレッド = 新しいセッション
		restarted := user.ThreadTS != "" && user.ThreadTS != current.ThreadTS
		if restarted {
			if err := tx.Where("user_id = ?", user.UserID).Delete(&model.Answer{}).Error; err != nil {
				return fmt.Errorf("clear answers failed: %w", err)
			}
		}
		if err := tx.Save(user).Error; err != nil {
			return err
		}
		if restarted {
			thread := model.DailyThread{
				ThreadTS:  user.ThreadTS,
				UserID:    user.UserID,
				ChannelID: user.DMChannelID,
			}
			if err := tx.Create(&thread).Error; err != nil {
				return fmt.Errorf("save thread failed: %w", err)
			}
		}
		return nil
	})
}

func (d *DataBase) AppendAnswer(user *model.User, answer *model.Answer) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var current model.User
		if err := tx.Where("user_id = ?", user.UserID).First(&current).Error; err != nil {
			if gorm.IsRecordNotFoundError(err) {
				return ErrNotFound
			}
			return err
		}
		if !current.DailyStatus || current.ThreadTS != user.ThreadTS {
			return ErrThreadMismatch
		}

		answer.UserID = user.UserID
		if err := tx.Create(answer).Error; err != nil {
			return fmt.Errorf("save answer failed: %w", err)
		}
		return tx.Save(user).Error
	})
}

func (d *DataBase) ListAnswers(userID string) ([]model.Answer, error) {
	var answers []model.Answer
	err := d.db.Where("user_id = ?", userID).Order("question_idx asc").Find(&answers).Error
	return answers, err
}

func (d *DataBase) ListUsersByChannel(channelID string) ([]model.User, error) {
	var users []model.User
	err := d.db.Where("main_channel_id = ?", channelID).Order("user_id asc").Find(&users).Error
	return users, err
}

func (d *DataBase) ListActiveByChannel(channelID string) ([]model.User, error) {
	var users []model.User
	err := d.db.Where("main_channel_id = ? AND daily_status = ?", channelID, true).Order("user_id asc").Find(&users).Error
	return users, err
}

func (d *DataBase) DeleteUser(userID string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&model.Answer{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&model.DailyThread{}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", userID).Delete(&model.User{}).Error
	})
}

func (d *DataBase) GetDailyThread(threadTS string) (*model.DailyThread, error) {
	var thread model.DailyThread
	err := d.db.Where("thread_ts = ?", threadTS).First(&thread).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

func (d *DataBase) MarkMentioned(threadTS string) error {
	return d.db.Model(&model.DailyThread{}).Where("thread_ts = ?", threadTS).Update("was_mentioned", true).Error
}
