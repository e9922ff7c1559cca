package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"patpat-agent/internal/domain"
)

const (
	skPrefixMsg       = "MSG#"
	skPrefixChat      = "CHAT#"
	skPrefixLetter    = "LETTER#"
	skPrefixCounselor = "COUNSELOR#"
	skMeta            = "META#"
	pkCounselors      = "COUNSELOR"

	// Fixed width so that sort keys order the same way as the instants they encode.
	timestampLayout = "2006-01-02T15:04:05.000000000Z"

	batchWriteLimit   = 25
	batchWriteRetries = 5
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = domain.ErrNotFound
	// ErrInvalidTransition is returned when a status change would move a turn
	// out of a terminal status.
	ErrInvalidTransition = errors.New("repository: invalid status transition")
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Client wraps a single DynamoDB table holding conversations, turns, letters
// and the counselor catalog.
type Client struct {
	api       dynamodbAPI
	tableName string

	now   func() time.Time
	newID func() string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{
		api:       api,
		tableName: tableName,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}, nil
}

func userPK(userID string) string {
	return "USER#" + userID
}

// chatPK returns the partition key holding a conversation's turns.
func chatPK(conversationID string) string {
	return "CHAT#" + conversationID
}

func formatTimestamp(ts time.Time) string {
	return ts.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}

// msgSK returns the sort key for a turn. The id suffix keeps keys unique when
// two turns share an instant.
func msgSK(ts time.Time, id string) string {
	return skPrefixMsg + formatTimestamp(ts) + "#" + id
}

// msgSKAfter returns a key that sorts after every turn created at ts and
// before every turn created later.
func msgSKAfter(ts time.Time) string {
	return skPrefixMsg + formatTimestamp(ts) + "#~"
}

func letterSK(ts time.Time, id string) string {
	return skPrefixLetter + formatTimestamp(ts) + "#" + id
}

// queryItems runs in until limit items were collected or the partition is
// exhausted. limit <= 0 means no bound.
func (c *Client) queryItems(ctx context.Context, in *dynamodb.QueryInput, limit int) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return items, nil
		}
		items = append(items, out.Items...)
		if limit > 0 && len(items) >= limit {
			return items[:limit], nil
		}
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// deleteKeys removes the given primary keys in batches, resubmitting
// unprocessed requests a bounded number of times.
func (c *Client) deleteKeys(ctx context.Context, keys []map[string]types.AttributeValue) error {
	for start := 0; start < len(keys); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(keys))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}
		pending := map[string][]types.WriteRequest{c.tableName: reqs}
		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt == batchWriteRetries {
				return fmt.Errorf("repository: %d delete requests left unprocessed", len(pending[c.tableName]))
			}
			out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return err
			}
			if out == nil {
				break
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}

func primaryKey(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func strValue(s string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: s}
}

func timeValue(ts time.Time) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: formatTimestamp(ts)}
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

// optStrAttr returns the string attribute or "" when absent.
func optStrAttr(item map[string]types.AttributeValue, key string) string {
	s, _ := item[key].(*types.AttributeValueMemberS)
	if s == nil {
		return ""
	}
	return s.Value
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

func boolAttr(item map[string]types.AttributeValue, key string) bool {
	b, _ := item[key].(*types.AttributeValueMemberBOOL)
	return b != nil && b.Value
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := parseTimestamp(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
