package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/model"
)

// DefaultTimeout bounds each DynamoDB call.
const DefaultTimeout = 10 * time.Second

// DynamoAPI is the subset of *dynamodb.Client used by DynamoUsers.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoUsers stores users in a table keyed by user_id. With a nil client it
// keeps them in memory.
type DynamoUsers struct {
	client    DynamoAPI
	tableName string
	timeout   time.Duration
	now       func() time.Time

	// In-memory fallback
	users map[string]model.User
	mu    sync.RWMutex
}

type Option func(*DynamoUsers)

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(s *DynamoUsers) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewDynamoUsers(client DynamoAPI, tableName string, opts ...Option) *DynamoUsers {
	s := &DynamoUsers{
		client:    client,
		tableName: tableName,
		timeout:   DefaultTimeout,
		now:       time.Now,
		users:     make(map[string]model.User),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// dynamoErr wraps a failed call; a missed deadline is reported as an
// unavailable upstream.
func dynamoErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.E(apperr.KindUpstream, op, "", fmt.Errorf("user store timed out: %w", err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *DynamoUsers) key(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id": &types.AttributeValueMemberS{Value: userID},
	}
}

func (s *DynamoUsers) Get(ctx context.Context, userID string) (*model.User, error) {
	if s.client == nil {
		s.mu.RLock()
		u, ok := s.users[userID]
		s.mu.RUnlock()
		if !ok {
			return nil, ErrUserNotFound
		}
		return &u, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(userID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, dynamoErr("get user from DynamoDB", err)
	}
	if out.Item == nil {
		return nil, ErrUserNotFound
	}

	var u model.User
	if err := attributevalue.UnmarshalMap(out.Item, &u); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &u, nil
}

func (s *DynamoUsers) Upsert(ctx context.Context, u *model.User) error {
	now := s.now().UTC()

	if s.client == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		existing, ok := s.users[u.UserID]
		rec := *u
		rec.UpdatedAt = now
		if ok {
			rec.CreatedAt = existing.CreatedAt
			if rec.EncryptedRefreshToken == "" {
				rec.EncryptedRefreshToken = existing.EncryptedRefreshToken
			}
		} else {
			rec.CreatedAt = now
		}
		s.users[u.UserID] = rec
		return nil
	}

	ts, err := attributevalue.Marshal(now)
	if err != nil {
		return fmt.Errorf("marshal timestamp: %w", err)
	}
	expr := "SET email = :email, display_name = :name, updated_at = :now, created_at = if_not_exists(created_at, :now)"
	values := map[string]types.AttributeValue{
		":email": &types.AttributeValueMemberS{Value: u.Email},
		":name":  &types.AttributeValueMemberS{Value: u.DisplayName},
		":now":   ts,
	}
	if u.EncryptedRefreshToken != "" {
		expr += ", encrypted_refresh_token = :rt"
		values[":rt"] = &types.AttributeValueMemberS{Value: u.EncryptedRefreshToken}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       s.key(u.UserID),
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return dynamoErr("upsert user in DynamoDB", err)
	}
	return nil
}

func (s *DynamoUsers) SetRefreshToken(ctx context.Context, userID, encrypted string) error {
	now := s.now().UTC()

	if s.client == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		u, ok := s.users[userID]
		if !ok {
			return ErrUserNotFound
		}
		u.EncryptedRefreshToken = encrypted
		u.UpdatedAt = now
		s.users[userID] = u
		return nil
	}

	ts, err := attributevalue.Marshal(now)
	if err != nil {
		return fmt.Errorf("marshal timestamp: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(userID),
		UpdateExpression:    aws.String("SET encrypted_refresh_token = :rt, updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(user_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":rt":  &types.AttributeValueMemberS{Value: encrypted},
			":now": ts,
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrUserNotFound
		}
		return dynamoErr("update refresh token in DynamoDB", err)
	}
	return nil
}
