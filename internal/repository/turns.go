package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"patpat-agent/internal/domain"
)

// AppendTurn persists a new turn and, in the same transaction, bumps the
// turn counter and lastActivity on the conversation's META# row in the CHAT#
// partition. The conversation record under USER# is not touched.
func (c *Client) AppendTurn(ctx context.Context, conversationID string, role domain.Role, content, turnType string, status domain.Status) (domain.Turn, error) {
	if conversationID == "" {
		return domain.Turn{}, errors.New("repository: AppendTurn: conversation id is required")
	}
	now := c.now()
	turn := domain.Turn{
		ID:             c.newID(),
		ConversationID: conversationID,
		Role:           role,
		Status:         status,
		Type:           turnType,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(turn),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": strValue(chatPK(conversationID)),
						"SK": strValue(skMeta),
					},
					UpdateExpression: aws.String("SET conversationId = :cid, lastActivity = :now ADD turns :one"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":cid": strValue(conversationID),
						":now": timeValue(now),
						":one": &types.AttributeValueMemberN{Value: "1"},
					},
				},
			},
		},
	})
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return turn, nil
}

// LastCompleted returns the most recent COMPLETED turn of a conversation.
func (c *Client) LastCompleted(ctx context.Context, conversationID string) (domain.Turn, bool, error) {
	turns, err := c.RecentCompleted(ctx, conversationID, 1)
	if err != nil {
		return domain.Turn{}, false, fmt.Errorf("repository: LastCompleted: %w", err)
	}
	if len(turns) == 0 {
		return domain.Turn{}, false, nil
	}
	return turns[0], true, nil
}

// RecentCompleted returns up to limit COMPLETED turns, newest first.
func (c *Client) RecentCompleted(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error) {
	in := c.turnQuery(conversationID, nil)
	in.FilterExpression = aws.String("#status = :completed")
	in.ExpressionAttributeNames = map[string]string{"#status": "status"}
	in.ExpressionAttributeValues[":completed"] = strValue(string(domain.StatusCompleted))

	items, err := c.queryItems(ctx, in, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentCompleted query: %w", err)
	}
	return itemsToTurns(items)
}

// PendingSince returns up to limit turns strictly newer than after (or the
// newest turns overall when after is nil), newest first.
func (c *Client) PendingSince(ctx context.Context, conversationID string, after *time.Time, limit int) ([]domain.Turn, error) {
	in := c.turnQuery(conversationID, after)
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	items, err := c.queryItems(ctx, in, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: PendingSince query: %w", err)
	}
	return itemsToTurns(items)
}

// AllSince returns every turn strictly newer than after (or every turn when
// after is nil), newest first.
func (c *Client) AllSince(ctx context.Context, conversationID string, after *time.Time) ([]domain.Turn, error) {
	items, err := c.queryItems(ctx, c.turnQuery(conversationID, after), 0)
	if err != nil {
		return nil, fmt.Errorf("repository: AllSince query: %w", err)
	}
	return itemsToTurns(items)
}

// ListTurns returns the newest limit turns of a conversation.
func (c *Client) ListTurns(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error) {
	turns, err := c.PendingSince(ctx, conversationID, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurns: %w", err)
	}
	return turns, nil
}

// UpdateStatus moves a turn to status and returns the stored result. A
// COMPLETED turn is never moved back to PENDING.
func (c *Client) UpdateStatus(ctx context.Context, turn domain.Turn, status domain.Status) (domain.Turn, error) {
	if !turn.Status.CanTransitionTo(status) {
		return domain.Turn{}, fmt.Errorf("repository: UpdateStatus %s -> %s: %w", turn.Status, status, ErrInvalidTransition)
	}

	cond := "attribute_exists(PK)"
	values := map[string]types.AttributeValue{
		":status": strValue(string(status)),
		":now":    timeValue(c.now()),
	}
	if status != domain.StatusCompleted {
		cond += " AND #status <> :completed"
		values[":completed"] = strValue(string(domain.StatusCompleted))
	}

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": strValue(chatPK(turn.ConversationID)),
			"SK": strValue(msgSK(turn.CreatedAt, turn.ID)),
		},
		UpdateExpression:          aws.String("SET #status = :status, updatedAt = :now"),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			if status == domain.StatusCompleted {
				return domain.Turn{}, fmt.Errorf("repository: UpdateStatus turn %s: %w", turn.ID, ErrNotFound)
			}
			return domain.Turn{}, fmt.Errorf("repository: UpdateStatus turn %s: %w", turn.ID, ErrInvalidTransition)
		}
		return domain.Turn{}, fmt.Errorf("repository: UpdateStatus: %w", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		turn.Status = status
		return turn, nil
	}
	updated, err := itemToTurn(out.Attributes)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: UpdateStatus unmarshal: %w", err)
	}
	return updated, nil
}

// DeleteAll removes every turn of a conversation along with its metadata.
func (c *Client) DeleteAll(ctx context.Context, conversationID string) error {
	items, err := c.queryItems(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": strValue(chatPK(conversationID)),
		},
		ProjectionExpression: aws.String("PK, SK"),
	}, 0)
	if err != nil {
		return fmt.Errorf("repository: DeleteAll query: %w", err)
	}

	keys := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		keys = append(keys, primaryKey(item))
	}
	if err := c.deleteKeys(ctx, keys); err != nil {
		return fmt.Errorf("repository: DeleteAll: %w", err)
	}
	return nil
}

// Activity returns the turn counter and last append time kept on the
// conversation's META# row.
func (c *Client) Activity(ctx context.Context, conversationID string) (domain.ChatActivity, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": strValue(chatPK(conversationID)),
			"SK": strValue(skMeta),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ChatActivity{}, fmt.Errorf("repository: Activity get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ChatActivity{}, nil
	}

	turns, err := intAttr(out.Item, "turns")
	if err != nil {
		return domain.ChatActivity{}, fmt.Errorf("repository: Activity decode turns: %w", err)
	}
	act := domain.ChatActivity{Turns: turns}
	if _, ok := out.Item["lastActivity"]; ok {
		if act.LastActivity, err = timeAttr(out.Item, "lastActivity"); err != nil {
			return domain.ChatActivity{}, fmt.Errorf("repository: Activity decode lastActivity: %w", err)
		}
	}
	return act, nil
}

// turnQuery builds a newest-first query over a conversation's turns.
func (c *Client) turnQuery(conversationID string, after *time.Time) *dynamodb.QueryInput {
	in := &dynamodb.QueryInput{
		TableName: aws.String(c.tableName),
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": strValue(chatPK(conversationID)),
		},
	}
	if after == nil {
		in.KeyConditionExpression = aws.String("PK = :pk AND begins_with(SK, :prefix)")
		in.ExpressionAttributeValues[":prefix"] = strValue(skPrefixMsg)
	} else {
		// META# sorts before MSG#, so a lower bound alone keeps metadata out.
		in.KeyConditionExpression = aws.String("PK = :pk AND SK > :from")
		in.ExpressionAttributeValues[":from"] = strValue(msgSKAfter(*after))
	}
	return in
}

func itemsToTurns(items []map[string]types.AttributeValue) ([]domain.Turn, error) {
	turns := make([]domain.Turn, 0, len(items))
	for _, item := range items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Turn{}, err
	}
	chatID, err := strAttr(item, "chatId")
	if err != nil {
		return domain.Turn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Turn{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	updatedAt, err := timeAttr(item, "updatedAt")
	if err != nil {
		updatedAt = createdAt
	}

	return domain.Turn{
		ID:             id,
		ConversationID: chatID,
		Role:           domain.Role(role),
		Status:         domain.Status(status),
		Type:           optStrAttr(item, "type"),
		Content:        optStrAttr(item, "content"), // allow empty
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}, nil
}

func turnItem(t domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        strValue(chatPK(t.ConversationID)),
		"SK":        strValue(msgSK(t.CreatedAt, t.ID)),
		"id":        strValue(t.ID),
		"chatId":    strValue(t.ConversationID),
		"role":      strValue(string(t.Role)),
		"status":    strValue(string(t.Status)),
		"type":      strValue(t.Type),
		"content":   strValue(t.Content),
		"createdAt": timeValue(t.CreatedAt),
		"updatedAt": timeValue(t.UpdatedAt),
	}
}
