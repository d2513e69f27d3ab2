package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"crm-agent/internal/domain"
)

const (
	pkPrefixUser  = "USER#"
	pkPrefixTurns = "TURNS#"
	skProfile     = "PROFILE#"
	skPrefixTurn  = "TURN#"
	skMeta        = "META#"

	appendAttempts = 3
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores users and conversation turns in a single DynamoDB table.
//
//	USER#<phone>   PROFILE#        user profile
//	TURNS#<userId> META#           turn counter
//	TURNS#<userId> TURN#<seq>      one conversation turn
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

func userPK(key string) string {
	return pkPrefixUser + key
}

func turnsPK(userID string) string {
	return pkPrefixTurns + userID
}

// turnSK zero-pads the sequence so lexical order matches numeric order.
func turnSK(seq int) string {
	return fmt.Sprintf("%s%010d", skPrefixTurn, seq)
}

// GetUserByKey reads the profile for an external key.
func (c *Client) GetUserByKey(ctx context.Context, key string) (domain.User, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(key)},
			"SK": &types.AttributeValueMemberS{Value: skProfile},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.User{}, false, fmt.Errorf("repository: GetUserByKey get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.User{}, false, nil
	}
	user, err := itemToUser(out.Item)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("repository: GetUserByKey unmarshal: %w", err)
	}
	return user, true, nil
}

// CreateUser writes the profile only if none exists. Losing the race
// returns the winner's profile with created=false.
func (c *Client) CreateUser(ctx context.Context, key string) (domain.User, bool, error) {
	user := domain.User{
		ID:          newUUID(),
		PhoneNumber: key,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                userItem(user),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err == nil {
		return user, true, nil
	}

	var condErr *types.ConditionalCheckFailedException
	if !errors.As(err, &condErr) {
		return domain.User{}, false, fmt.Errorf("repository: CreateUser: %w", err)
	}
	existing, found, err := c.GetUserByKey(ctx, key)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("repository: CreateUser reread: %w", err)
	}
	if !found {
		return domain.User{}, false, errors.New("repository: CreateUser: profile vanished after conditional failure")
	}
	return existing, false, nil
}

// AppendTurn assigns the next sequence number and writes the turn together
// with the counter in one transaction. The counter update is conditional on
// the value read, so concurrent writers retry instead of sharing a slot.
func (c *Client) AppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	if strings.TrimSpace(turn.UserID) == "" {
		return domain.Turn{}, errors.New("repository: AppendTurn: user id is required")
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		count, err := c.turnCount(ctx, turn.UserID)
		if err != nil {
			return domain.Turn{}, fmt.Errorf("repository: AppendTurn: %w", err)
		}
		turn.Seq = count + 1

		_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{
					Put: &types.Put{
						TableName:           aws.String(c.tableName),
						Item:                turnItem(turn),
						ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
					},
				},
				{
					Put: &types.Put{
						TableName:           aws.String(c.tableName),
						Item:                metaItem(turn.UserID, turn.Seq, turn.CreatedAt),
						ConditionExpression: aws.String("attribute_not_exists(PK) OR turns = :prev"),
						ExpressionAttributeValues: map[string]types.AttributeValue{
							":prev": &types.AttributeValueMemberN{Value: strconv.Itoa(count)},
						},
					},
				},
			},
		})
		if err == nil {
			return turn, nil
		}
		var canceled *types.TransactionCanceledException
		if !errors.As(err, &canceled) {
			return domain.Turn{}, fmt.Errorf("repository: AppendTurn: %w", err)
		}
		lastErr = err
	}
	return domain.Turn{}, fmt.Errorf("repository: AppendTurn: sequence contention: %w", lastErr)
}

func (c *Client) turnCount(ctx context.Context, userID string) (int, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: turnsPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("get turn counter: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}
	turns, err := intAttr(out.Item, "turns")
	if err != nil {
		return 0, fmt.Errorf("decode turns: %w", err)
	}
	return turns, nil
}

// ListTurns returns the user's turns in ascending sequence order. With a
// positive limit only the newest limit turns are read.
func (c *Client) ListTurns(ctx context.Context, userID string, limit int) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: turnsPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ConsistentRead:   aws.Bool(true),
		ScanIndexForward: aws.Bool(limit <= 0),
	}
	if limit > 0 {
		// Read newest first so LIMIT favors the most recent context.
		in.Limit = aws.Int32(int32(limit))
	}

	var turns []domain.Turn
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListTurns query: %w", err)
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListTurns unmarshal: %w", err)
			}
			turns = append(turns, turn)
		}
		if limit > 0 || len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	if limit > 0 {
		for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
			turns[i], turns[j] = turns[j], turns[i]
		}
	}
	if turns == nil {
		turns = []domain.Turn{}
	}
	return turns, nil
}

func userItem(u domain.User) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: userPK(u.PhoneNumber)},
		"SK":          &types.AttributeValueMemberS{Value: skProfile},
		"userId":      &types.AttributeValueMemberS{Value: u.ID},
		"phoneNumber": &types.AttributeValueMemberS{Value: u.PhoneNumber},
		"createdAt":   &types.AttributeValueMemberS{Value: u.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func turnItem(t domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: turnsPK(t.UserID)},
		"SK":        &types.AttributeValueMemberS{Value: turnSK(t.Seq)},
		"userId":    &types.AttributeValueMemberS{Value: t.UserID},
		"seq":       &types.AttributeValueMemberN{Value: strconv.Itoa(t.Seq)},
		"channel":   &types.AttributeValueMemberS{Value: string(t.Channel)},
		"query":     &types.AttributeValueMemberS{Value: t.Query},
		"intent":    &types.AttributeValueMemberS{Value: t.Intent.Code()},
		"response":  &types.AttributeValueMemberS{Value: t.Response},
		"createdAt": &types.AttributeValueMemberS{Value: t.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func metaItem(userID string, turns int, lastActivity time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: turnsPK(userID)},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"userId":       &types.AttributeValueMemberS{Value: userID},
		"turns":        &types.AttributeValueMemberN{Value: strconv.Itoa(turns)},
		"lastActivity": &types.AttributeValueMemberS{Value: lastActivity.UTC().Format(time.RFC3339)},
	}
}

func itemToUser(item map[string]types.AttributeValue) (domain.User, error) {
	id, err := strAttr(item, "userId")
	if err != nil {
		return domain.User{}, err
	}
	phone, err := strAttr(item, "phoneNumber")
	if err != nil {
		return domain.User{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.User{}, err
	}
	return domain.User{ID: id, PhoneNumber: phone, CreatedAt: createdAt}, nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Turn{}, err
	}
	seq, err := intAttr(item, "seq")
	if err != nil {
		return domain.Turn{}, err
	}
	query, err := strAttr(item, "query")
	if err != nil {
		return domain.Turn{}, err
	}
	response, err := strAttr(item, "response")
	if err != nil {
		return domain.Turn{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	channel, _ := strAttr(item, "channel") // allow empty
	code, _ := strAttr(item, "intent")     // allow empty
	intent, _ := domain.ParseIntentCode(code)

	return domain.Turn{
		UserID:    userID,
		Seq:       seq,
		Channel:   domain.Channel(channel),
		Query:     query,
		Intent:    intent,
		Response:  response,
		CreatedAt: createdAt,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
