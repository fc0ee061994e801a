// Package convo keeps the bounded, expiring per-user conversation log that
// feeds context into every planner round.
package convo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/logging"
	"github.com/jun/calvoice/internal/model"
)

const (
	DefaultMaxTurns = 40
	DefaultTTL      = 24 * time.Hour

	maxAppendAttempts = 5
)

// Log is an append-only, per-user sequence of turns.
type Log interface {
	Append(ctx context.Context, userID string, turn model.Turn) error
	// Read returns turns oldest first.
	Read(ctx context.Context, userID string) ([]model.Turn, error)
}

// DynamoAPI is the subset of *dynamodb.Client used by DynamoLog.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoLog stores one item per user: {user_id, turns, version, expires_at}.
// Appends are optimistic read-modify-write guarded by version, so they are
// atomic and totally ordered per user. expires_at is the table's TTL
// attribute and is pushed forward on every write.
type DynamoLog struct {
	client    DynamoAPI
	tableName string
	maxTurns  int
	ttl       time.Duration
	timeout   time.Duration
	now       func() time.Time

	// In-memory fallback
	items map[string]*model.Conversation
	mu    sync.Mutex
}

type Option func(*DynamoLog)

func WithMaxTurns(n int) Option {
	return func(l *DynamoLog) {
		if n > 0 {
			l.maxTurns = n
		}
	}
}

func WithTTL(d time.Duration) Option {
	return func(l *DynamoLog) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// WithTimeout bounds every store call.
func WithTimeout(d time.Duration) Option {
	return func(l *DynamoLog) { l.timeout = d }
}

func withClock(now func() time.Time) Option {
	return func(l *DynamoLog) { l.now = now }
}

// NewDynamoLog creates a log backed by tableName. A nil client keeps the log
// in process memory.
func NewDynamoLog(client DynamoAPI, tableName string, opts ...Option) *DynamoLog {
	l := &DynamoLog{
		client:    client,
		tableName: tableName,
		maxTurns:  DefaultMaxTurns,
		ttl:       DefaultTTL,
		now:       time.Now,
		items:     make(map[string]*model.Conversation),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *DynamoLog) Append(ctx context.Context, userID string, turn model.Turn) error {
	if turn.At.IsZero() {
		turn.At = l.now().UTC()
	}

	if l.client == nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		conv := l.live(l.items[userID], userID)
		l.items[userID] = l.next(conv, turn)
		return nil
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		current, exists, err := l.get(ctx, userID)
		if err != nil {
			return err
		}
		next := l.next(l.live(current, userID), turn)

		err = l.put(ctx, next, exists, current)
		if err == nil {
			return nil
		}
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return fmt.Errorf("append turn: %w", err)
		}
		logging.Debug("conversation append raced, retrying", "user_id", userID, "attempt", attempt)
	}
	return apperr.E(apperr.KindConflict, "convo.Append", "conversation is busy", nil)
}

func (l *DynamoLog) Read(ctx context.Context, userID string) ([]model.Turn, error) {
	if l.client == nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		conv := l.live(l.items[userID], userID)
		return append([]model.Turn(nil), conv.Turns...), nil
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	current, _, err := l.get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return l.live(current, userID).Turns, nil
}

// live drops an item whose TTL has passed; DynamoDB deletes expired items
// lazily so they can still be returned.
func (l *DynamoLog) live(conv *model.Conversation, userID string) *model.Conversation {
	if conv == nil {
		return &model.Conversation{UserID: userID}
	}
	if conv.ExpiresAt != 0 && conv.ExpiresAt <= l.now().Unix() {
		return &model.Conversation{UserID: userID, Version: conv.Version}
	}
	return conv
}

func (l *DynamoLog) next(conv *model.Conversation, turn model.Turn) *model.Conversation {
	turns := make([]model.Turn, 0, len(conv.Turns)+1)
	turns = append(turns, conv.Turns...)
	turns = append(turns, turn)
	if len(turns) > l.maxTurns {
		turns = turns[len(turns)-l.maxTurns:]
	}
	return &model.Conversation{
		UserID:    conv.UserID,
		Turns:     turns,
		Version:   conv.Version + 1,
		ExpiresAt: l.now().Add(l.ttl).Unix(),
	}
}

func (l *DynamoLog) get(ctx context.Context, userID string) (*model.Conversation, bool, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("get conversation: %w", err)
	}
	if out.Item == nil {
		return nil, false, nil
	}

	var conv model.Conversation
	if err := attributevalue.UnmarshalMap(out.Item, &conv); err != nil {
		return nil, false, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return &conv, true, nil
}

func (l *DynamoLog) put(ctx context.Context, next *model.Conversation, exists bool, current *model.Conversation) error {
	item, err := attributevalue.MarshalMap(next)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(l.tableName),
		Item:      item,
	}
	if exists {
		input.ConditionExpression = aws.String("version = :v")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(current.Version, 10)},
		}
	} else {
		input.ConditionExpression = aws.String("attribute_not_exists(user_id)")
	}

	_, err = l.client.PutItem(ctx, input)
	return err
}

func (l *DynamoLog) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}
