package escalation

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoStateStore persists conversation state to DynamoDB, keyed by
// conversation id, with a conditional write on the version attribute.
type DynamoStateStore struct {
	client    dynamoAPI
	tableName string
	logger    *logging.Logger
}

// NewDynamoStateStore builds a store backed by the provided DynamoDB client.
func NewDynamoStateStore(client dynamoAPI, tableName string, logger *logging.Logger) *DynamoStateStore {
	if client == nil {
		panic("escalation: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("escalation: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DynamoStateStore{client: client, tableName: tableName, logger: logger}
}

// Get fetches the conversation record.
func (s *DynamoStateStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	if conversationID == "" {
		return Conversation{}, errors.New("escalation: conversation id required")
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"conversationId": &types.AttributeValueMemberS{Value: conversationID},
		},
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("escalation: failed to fetch conversation: %w", err)
	}
	if out.Item == nil {
		return Conversation{}, ErrConversationNotFound
	}
	var conv Conversation
	if err := attributevalue.UnmarshalMap(out.Item, &conv); err != nil {
		return Conversation{}, fmt.Errorf("escalation: failed to decode conversation: %w", err)
	}
	return conv, nil
}

// Put writes the conversation record with an optimistic version check.
// A conditional failure maps to ErrVersionConflict so callers can retry
// against fresh state instead of overwriting a concurrent safety commit.
func (s *DynamoStateStore) Put(ctx context.Context, conv Conversation) (Conversation, error) {
	if conv.ID == "" {
		return Conversation{}, errors.New("escalation: conversation id required")
	}

	expectedVersion := conv.Version
	conv.Version++

	item, err := attributevalue.MarshalMap(conv)
	if err != nil {
		return Conversation{}, fmt.Errorf("escalation: failed to marshal conversation: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}
	if expectedVersion == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(conversationId)")
	} else {
		input.ConditionExpression = aws.String("version = :expected")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedVersion)},
		}
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		var conditionErr *types.ConditionalCheckFailedException
		if errors.As(err, &conditionErr) {
			return Conversation{}, ErrVersionConflict
		}
		return Conversation{}, fmt.Errorf("escalation: failed to persist conversation: %w", err)
	}
	return conv, nil
}

var _ StateStore = (*DynamoStateStore)(nil)
