package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pyama86/standup-control/domain/model"
)

// 質問と回答はそれぞれチャンネル・ユーザーのアイテムにリストとして持つ
type DynamoDB struct {
	db *dynamodb.Client
}

var tableNamePrefix = "standup_control"
var channelTableName = tableNamePrefix + "_channel"
var userTableName = tableNamePrefix + "_user"
var dailyTableName = tableNamePrefix + "_daily"

const mainChannelIndex = "MainChannelIndex"

func NewDynamoDB() (*DynamoDB, error) {
	if os.Getenv("DYNAMO_TABLE_NAME_PREFIX") != "" {
		tableNamePrefix = os.Getenv("DYNAMO_TABLE_NAME_PREFIX")
		channelTableName = tableNamePrefix + "_channel"
		userTableName = tableNamePrefix + "_user"
		dailyTableName = tableNamePrefix + "_daily"
	}
	var db *dynamodb.Client
	if os.Getenv("DYNAMO_LOCAL") != "" {
		cfg, err := config.LoadDefaultConfig(context.TODO(),
			config.WithRegion("dummy"),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "dummy")),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %v", err)
		}

		endpoint := "http://localhost:8000"
		if os.Getenv("DYNAMO_ENDPOINT") != "" {
			endpoint = os.Getenv("DYNAMO_ENDPOINT")
		}
		db = dynamodb.NewFromConfig(cfg,
			func(o *dynamodb.Options) {
				o.BaseEndpoint = aws.String(endpoint)
			},
		)
	} else {
		cfg, err := config.LoadDefaultConfig(context.TODO())
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %v", err)
		}

		db = dynamodb.NewFromConfig(cfg)
	}
	d := &DynamoDB{
		db: db,
	}
	if os.Getenv("DYNAMO_LOCAL") != "" {
		if err := d.EnsureTable(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

const (
	waitInterval = 2 * time.Second // ポーリング間隔
	maxRetries   = 30              // 最大リトライ回数 (30回 = 約1分)
)

func (d *DynamoDB) EnsureTable() error {
	tableNames := []string{
		channelTableName,
		userTableName,
		dailyTableName,
	}

	for _, tableName := range tableNames {
		if err := d.ensureSingleTable(tableName); err != nil {
			return fmt.Errorf("failed to ensure table %s: %v", tableName, err)
		}
	}

	return nil
}

func (d *DynamoDB) ensureSingleTable(tableName string) error {
	_, err := d.db.DescribeTable(context.TODO(), &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err == nil {
		// テーブルが既に存在する
		return nil
	}

	if err := d.createTable(tableName); err != nil {
		return err
	}

	// テーブルがACTIVEになるまで待機
	for i := 0; i < maxRetries; i++ {
		out, err := d.db.DescribeTable(context.TODO(), &dynamodb.DescribeTableInput{
			TableName: aws.String(tableName),
		})
		if err != nil {
			return fmt.Errorf("failed to describe table %s: %v", tableName, err)
		}

		if out.Table.TableStatus == types.TableStatusActive {
			return nil
		}

		time.Sleep(waitInterval)
	}

	return fmt.Errorf("table %s creation timed out", tableName)
}

func throughput() *types.ProvisionedThroughput {
	return &types.ProvisionedThroughput{
		ReadCapacityUnits:  aws.Int64(5),
		WriteCapacityUnits: aws.Int64(5),
	}
}

func (d *DynamoDB) createTable(tableName string) error {
	var createTableInput *dynamodb.CreateTableInput

	switch tableName {
	case channelTableName:
		createTableInput = &dynamodb.CreateTableInput{
			TableName: aws.String(tableName),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("channel_id"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("channel_id"), KeyType: types.KeyTypeHash},
			},
			ProvisionedThroughput: throughput(),
		}
	case userTableName:
		createTableInput = &dynamodb.CreateTableInput{
			TableName: aws.String(tableName),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("user_id"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("main_channel_id"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("user_id"), KeyType: types.KeyTypeHash},
			},
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
				{
					IndexName: aws.String(mainChannelIndex),
					KeySchema: []types.KeySchemaElement{
						{AttributeName: aws.String("main_channel_id"), KeyType: types.KeyTypeHash},
					},
					Projection:            &types.Projection{ProjectionType: types.ProjectionTypeAll},
					ProvisionedThroughput: throughput(),
				},
			},
			ProvisionedThroughput: throughput(),
		}
	case dailyTableName:
		createTableInput = &dynamodb.CreateTableInput{
			TableName: aws.String(tableName),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("thread_ts"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("thread_ts"), KeyType: types.KeyTypeHash},
			},
			ProvisionedThroughput: throughput(),
		}
	default:
		return fmt.Errorf("unknown table name: %s", tableName)
	}

	_, err := d.db.CreateTable(context.TODO(), createTableInput)
	if err != nil {
		return fmt.Errorf("failed to create table %s: %v", tableName, err)
	}

	return nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tc *types.TransactionCanceledException
	return errors.As(err, &tc)
}

func stringAttr(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func numberAttr(v int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(v)}
}

func boolAttr(v bool) types.AttributeValue {
	return &types.AttributeValueMemberBOOL{Value: v}
}

func timeAttr(t time.Time) types.AttributeValue {
	if t.IsZero() {
		return stringAttr("")
	}
	return stringAttr(t.UTC().Format(time.RFC3339Nano))
}

func getStringValue(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getNumberValue(item map[string]types.AttributeValue, key string) (int, error) {
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		return strconv.Atoi(v.Value)
	}
	return 0, fmt.Errorf("failed to parse %s", key)
}

func getBoolValue(item map[string]types.AttributeValue, key string) bool {
	if v, ok := item[key].(*types.AttributeValueMemberBOOL); ok {
		return v.Value
	}
	return false
}

func getTimeValue(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s := getStringValue(item, key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %s (%s): %v", key, s, err)
	}
	return t, nil
}

func getListValue(item map[string]types.AttributeValue, key string) []types.AttributeValue {
	if v, ok := item[key].(*types.AttributeValueMemberL); ok {
		return v.Value
	}
	return nil
}

func (d *DynamoDB) SaveChannel(channel *model.Channel) error {
	now := timeNow()
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = now
	}
	channel.UpdatedAt = now
	// 質問リストは残したまま属性だけ更新する
	_, err := d.db.UpdateItem(context.TODO(), &dynamodb.UpdateItemInput{
		TableName: aws.String(channelTableName),
		Key: map[string]types.AttributeValue{
			"channel_id": stringAttr(channel.ChannelID),
		},
		UpdateExpression: aws.String("SET team_id = :team_id, channel_name = :channel_name, cron = :cron, " +
			"created_at = if_not_exists(created_at, :created_at), updated_at = :updated_at, " +
			"questions = if_not_exists(questions, :empty)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":team_id":      stringAttr(channel.TeamID),
			":channel_name": stringAttr(channel.ChannelName),
			":cron":         stringAttr(channel.Cron),
			":created_at":   timeAttr(channel.CreatedAt),
			":updated_at":   timeAttr(channel.UpdatedAt),
			":empty":        &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		},
	})
	return err
}

func (d *DynamoDB) getChannelItem(channelID string) (map[string]types.AttributeValue, error) {
	result, err := d.db.GetItem(context.TODO(), &dynamodb.GetItemInput{
		TableName: aws.String(channelTableName),
		Key: map[string]types.AttributeValue{
			"channel_id": stringAttr(channelID),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}
	return result.Item, nil
}

func channelFromItem(item map[string]types.AttributeValue) (*model.Channel, error) {
	createdAt, err := getTimeValue(item, "created_at")
	if err != nil {
		return nil, err
	}
	updatedAt, err := getTimeValue(item, "updated_at")
	if err != nil {
		return nil, err
	}
	return &model.Channel{
		ChannelID:   getStringValue(item, "channel_id"),
		TeamID:      getStringValue(item, "team_id"),
		ChannelName: getStringValue(item, "channel_name"),
		Cron:        getStringValue(item, "cron"),
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}

func (d *DynamoDB) GetChannel(channelID string) (*model.Channel, error) {
	item, err := d.getChannelItem(channelID)
	if err != nil {
		return nil, err
	}
	return channelFromItem(item)
}

func (d *DynamoDB) ListChannels() ([]model.Channel, error) {
	var channels []model.Channel
	paginator := dynamodb.NewScanPaginator(d.db, &dynamodb.ScanInput{
		TableName: aws.String(channelTableName),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.TODO())
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			c, err := channelFromItem(item)
			if err != nil {
				return nil, err
			}
			channels = append(channels, *c)
		}
	}
	sort.Slice(channels, func(i, j int) bool {
		return channels[i].ChannelID < channels[j].ChannelID
	})
	return channels, nil
}

func (d *DynamoDB) UpdateChannelCron(channelID, cron string) error {
	_, err := d.db.UpdateItem(context.TODO(), &dynamodb.UpdateItemInput{
		TableName: aws.String(channelTableName),
		Key: map[string]types.AttributeValue{
			"channel_id": stringAttr(channelID),
		},
		UpdateExpression:    aws.String("SET cron = :cron, updated_at = :updated_at"),
		ConditionExpression: aws.String("attribute_exists(channel_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cron":       stringAttr(cron),
			":updated_at": timeAttr(timeNow()),
		},
	})
	if isConditionFailed(err) {
		return ErrNotFound
	}
	return err
}

func (d *DynamoDB) DeleteChannel(channelID string) error {
	users, err := d.ListUsersByChannel(channelID)
	if err != nil {
		return err
	}
	for _, u := range users {
		if err := d.DeleteUser(u.UserID); err != nil {
			return fmt.Errorf("failed to delete user %s: %w", u.UserID, err)
		}
	}
	_, err = d.db.DeleteItem(context.TODO(), &dynamodb.DeleteItemInput{
		TableName: aws.String(channelTableName),
		Key: map[string]types.AttributeValue{
			"channel_id": stringAttr(channelID),
		},
	})
	return err
}

func (d *DynamoDB) AppendQuestion(channelID, body string) error {
	_, err := d.db.UpdateItem(context.TODO(), &dynamodb.UpdateItemInput{
		TableName: aws.String(channelTableName),
		Key: map[string]types.AttributeValue{
			"channel_id": stringAttr(channelID),
		},
		UpdateExpression:    aws.String("SET questions = list_append(if_not_exists(questions, :empty), :q)"),
		ConditionExpression: aws.String("attribute_exists(channel_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":q":     &types.AttributeValueMemberL{Value: []types.AttributeValue{stringAttr(body)}},
		},
	})
	if isConditionFailed(err) {
		return ErrNotFound
	}
	return err
}

func (d *DynamoDB) ListQuestions(channelID string) ([]model.Question, error) {
	item, err := d.getChannelItem(channelID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var questions []model.Question
	for i, v := range getListValue(item, "questions") {
		s, ok := v.(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		questions = append(questions, model.Question{
			ID:        uint(i + 1),
			ChannelID: channelID,
			Body:      s.Value,
		})
	}
	return questions, nil
}

func (d *DynamoDB) RemoveQuestion(channelID string, ordinal int) error {
	if ordinal < 1 {
		return ErrNotFound
	}
	// インデックスは式に直接書くしかない
	_, err := d.db.UpdateItem(context.TODO(), &dynamodb.UpdateItemInput{
		TableName: aws.String(channelTableName),
		Key: map[string]types.AttributeValue{
			"channel_id": stringAttr(channelID),
		},
		UpdateExpression:    aws.String(fmt.Sprintf("REMOVE questions[%d]", ordinal-1)),
		ConditionExpression: aws.String("size(questions) >= :n"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": numberAttr(ordinal),
		},
	})
	if isConditionFailed(err) {
		return ErrNotFound
	}
	return err
}

func userFromItem(item map[string]types.AttributeValue) (*model.User, error) {
	qIdx, err := getNumberValue(item, "q_idx")
	if err != nil {
		return nil, err
	}
	startedAt, err := getTimeValue(item, "started_at")
	if err != nil {
		return nil, err
	}
	completedAt, err := getTimeValue(item, "completed_at")
	if err != nil {
		return nil, err
	}
	updatedAt, err := getTimeValue(item, "updated_at")
	if err != nil {
		return nil, err
	}
	return &model.User{
		UserID:        getStringValue(item, "user_id"),
		DailyStatus:   getBoolValue(item, "daily_status"),
		QIdx:          qIdx,
		MainChannelID: getStringValue(item, "main_channel_id"),
		RealName:      getStringValue(item, "real_name"),
		ThreadTS:      getStringValue(item, "thread_ts"),
		DMChannelID:   getStringValue(item, "dm_channel_id"),
		Questions:     getStringValue(item, "questions"),
		StartedAt:     startedAt,
		CompletedAt:   completedAt,
		UpdatedAt:     updatedAt,
	}, nil
}

// セッションの状態を表す属性。回答リストは含まない
func sessionAttrs(u *model.User) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":daily_status":    boolAttr(u.DailyStatus),
		":q_idx":           numberAttr(u.QIdx),
		":main_channel_id": stringAttr(u.MainChannelID),
		":real_name":       stringAttr(u.RealName),
		":thread_ts":       stringAttr(u.ThreadTS),
		":dm_channel_id":   stringAttr(u.DMChannelID),
		":questions":       stringAttr(u.Questions),
		":started_at":      timeAttr(u.StartedAt),
		":completed_at":    timeAttr(u.CompletedAt),
		":updated_at":      timeAttr(u.UpdatedAt),
	}
}

const sessionUpdateExpression = "SET daily_status = :daily_status, q_idx = :q_idx, main_channel_id = :main_channel_id, " +
	"real_name = :real_name, thread_ts = :thread_ts, dm_channel_id = :dm_channel_id, questions = :questions, " +
	"started_at = :started_at, completed_at = :completed_at, updated_at = :updated_at"

func (d *DynamoDB) GetUser(userID string) (*model.User, error) {
	result, err := d.db.GetItem(context.TODO(), &dynamodb.GetItemInput{
		TableName: aws.String(userTableName),
		Key: map[string]types.AttributeValue{
			"user_id": stringAttr(userID),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}
	return userFromItem(result.Item)
}

func (d *DynamoDB) PutUser(user *model.User) error {
	user.UpdatedAt = timeNow()
	current, err := d.GetUser(user.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if user.ThreadTS == "" || (current != nil && current.ThreadTS == user.ThreadTS) {
		_, err := d.db.UpdateItem(context.TODO(), &dynamodb.UpdateItemInput{
			TableName: aws.String(userTableName),
			Key: map[string]types.AttributeValue{
				"user_id": stringAttr(user.UserID),
			},
			UpdateExpression:          aws.String(sessionUpdateExpression + ", answers = if_not_exists(answers, :empty)"),
			ExpressionAttributeValues: withEmptyList(sessionAttrs(user)),
		})
		return err
	}

	// 新しいセッション: 回答を空にしてスレッドを記録する
	item := map[string]types.AttributeValue{
		"user_id":         stringAttr(user.UserID),
		"daily_status":    boolAttr(user.DailyStatus),
		"q_idx":           numberAttr(user.QIdx),
		"main_channel_id": stringAttr(user.MainChannelID),
		"real_name":       stringAttr(user.RealName),
		"thread_ts":       stringAttr(user.ThreadTS),
		"dm_channel_id":   stringAttr(user.DMChannelID),
		"questions":       stringAttr(user.Questions),
		"started_at":      timeAttr(user.StartedAt),
		"completed_at":    timeAttr(user.CompletedAt),
		"updated_at":      timeAttr(user.UpdatedAt),
		"answers":         &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
	}
	_, err = d.db.TransactWriteItems(context.TODO(), &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(userTableName), Item: item}},
			{Put: &types.Put{
				TableName: aws.String(dailyTableName),
				Item: map[string]types.AttributeValue{
					"thread_ts":     stringAttr(user.ThreadTS),
					"user_id":       stringAttr(user.UserID),
					"channel_id":    stringAttr(user.DMChannelID),
					"was_mentioned": boolAttr(false),
					"created_at":    timeAttr(timeNow()),
				},
			}},
		},
	})
	return err
}

func withEmptyList(values map[string]types.AttributeValue) map[string]types.AttributeValue {
	values[":empty"] = &types.AttributeValueMemberL{Value: []types.AttributeValue{}}
	return values
}

func (d *DynamoDB) AppendAnswer(user *model.User, answer *model.Answer) error {
	user.UpdatedAt = timeNow()
	answer.UserID = user.UserID
	answer.CreatedAt = timeNow()

	values := withEmptyList(sessionAttrs(user))
	values[":answer"] = &types.AttributeValueMemberL{Value: []types.AttributeValue{
		&types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"question_idx": numberAttr(answer.QuestionIdx),
			"question":     stringAttr(answer.Question),
			"answer":       stringAttr(answer.Answer),
			"created_at":   timeAttr(answer.CreatedAt),
		}},
	}}
	values[":active"] = boolAttr(true)

	_, err := d.db.UpdateItem(context.TODO(), &dynamodb.UpdateItemInput{
		TableName: aws.String(userTableName),
		Key: map[string]types.AttributeValue{
			"user_id": stringAttr(user.UserID),
		},
		UpdateExpression:          aws.String(sessionUpdateExpression + ", answers = list_append(if_not_exists(answers, :empty), :answer)"),
		ConditionExpression:       aws.String("thread_ts = :thread_ts AND daily_status = :active"),
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		return ErrThreadMismatch
	}
	return err
}

func (d *DynamoDB) ListAnswers(userID string) ([]model.Answer, error) {
	result, err := d.db.GetItem(context.TODO(), &dynamodb.GetItemInput{
		TableName: aws.String(userTableName),
		Key: map[string]types.AttributeValue{
			"user_id": stringAttr(userID),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if result.Item == nil {
		return nil, nil
	}

	var answers []model.Answer
	for _, v := range getListValue(result.Item, "answers") {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			continue
		}
		idx, err := getNumberValue(m.Value, "question_idx")
		if err != nil {
			return nil, err
		}
		createdAt, err := getTimeValue(m.Value, "created_at")
		if err != nil {
			return nil, err
		}
		answers = append(answers, model.Answer{
			UserID:      userID,
			QuestionIdx: idx,
			Question:    getStringValue(m.Value, "question"),
			Answer:      getStringValue(m.Value, "answer"),
			CreatedAt:   createdAt,
		})
	}
	sort.SliceStable(answers, func(i, j int) bool {
		return answers[i].QuestionIdx < answers[j].QuestionIdx
	})
	return answers, nil
}

func (d *DynamoDB) ListUsersByChannel(channelID string) ([]model.User, error) {
	var users []model.User
	paginator := dynamodb.NewQueryPaginator(d.db, &dynamodb.QueryInput{
		TableName:              aws.String(userTableName),
		IndexName:              aws.String(mainChannelIndex),
		KeyConditionExpression: aws.String("main_channel_id = :channel_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":channel_id": stringAttr(channelID),
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.TODO())
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			u, err := userFromItem(item)
			if err != nil {
				return nil, err
			}
			users = append(users, *u)
		}
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].UserID < users[j].UserID
	})
	return users, nil
}

func (d *DynamoDB) ListActiveByChannel(channelID string) ([]model.User, error) {
	users, err := d.ListUsersByChannel(channelID)
	if err != nil {
		return nil, err
	}
	var active []model.User
	for _, u := range users {
		// GSIは結果整合なので本体を読み直す
		fresh, err := d.GetUser(u.UserID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if fresh.DailyStatus && fresh.MainChannelID == channelID {
			active = append(active, *fresh)
		}
	}
	return active, nil
}

func (d *DynamoDB) DeleteUser(userID string) error {
	// そのユーザーのスレッドを全部消す
	paginator := dynamodb.NewScanPaginator(d.db, &dynamodb.ScanInput{
		TableName:        aws.String(dailyTableName),
		FilterExpression: aws.String("user_id = :user_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":user_id": stringAttr(userID),
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.TODO())
		if err != nil {
			return err
		}
		for _, item := range page.Items {
			if _, err := d.db.DeleteItem(context.TODO(), &dynamodb.DeleteItemInput{
				TableName: aws.String(dailyTableName),
				Key: map[string]types.AttributeValue{
					"thread_ts": stringAttr(getStringValue(item, "thread_ts")),
				},
			}); err != nil {
				return err
			}
		}
	}

	_, err := d.db.DeleteItem(context.TODO(), &dynamodb.DeleteItemInput{
		TableName: aws.String(userTableName),
		Key: map[string]types.AttributeValue{
			"user_id": stringAttr(userID),
		},
	})
	return err
}

func (d *DynamoDB) GetDailyThread(threadTS string) (*model.DailyThread, error) {
	result, err := d.db.GetItem(context.TODO(), &dynamodb.GetItemInput{
		TableName: aws.String(dailyTableName),
		Key: map[string]types.AttributeValue{
			"thread_ts": stringAttr(threadTS),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}
	createdAt, err := getTimeValue(result.Item, "created_at")
	if err != nil {
		return nil, err
	}
	return &model.DailyThread{
		ThreadTS:     getStringValue(result.Item, "thread_ts"),
		UserID:       getStringValue(result.Item, "user_id"),
		ChannelID:    getStringValue(result.Item, "channel_id"),
		WasMentioned: getBoolValue(result.Item, "was_mentioned"),
		CreatedAt:    createdAt,
	}, nil
}

func (d *DynamoDB) MarkMentioned(threadTS string) error {
	_, err := d.db.UpdateItem(context.TODO(), &dynamodb.UpdateItemInput{
		TableName: aws.String(dailyTableName),
		Key: map[string]types.AttributeValue{
			"thread_ts": stringAttr(threadTS),
		},
		UpdateExpression:    aws.String("SET was_mentioned = :t"),
		ConditionExpression: aws.String("attribute_exists(thread_ts)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": boolAttr(true),
		},
	})
	if isConditionFailed(err) {
		return ErrNotFound
	}
	return err
}
