package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"patpat-agent/internal/domain"
)

func conversationKey(userID, counselorID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": strValue(userPK(userID)),
		"SK": strValue(skPrefixChat + counselorID),
	}
}

// FindConversation returns the conversation between a user and a counselor,
// or ErrNotFound.
func (c *Client) FindConversation(ctx context.Context, userID, counselorID string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            conversationKey(userID, counselorID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, ErrNotFound
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindConversation unmarshal: %w", err)
	}
	return conv, nil
}

// FindOrCreateConversation returns the existing conversation or creates it.
// Concurrent creators converge on whichever write landed first.
func (c *Client) FindOrCreateConversation(ctx context.Context, userID, counselorID string) (domain.Conversation, error) {
	conv, err := c.FindConversation(ctx, userID, counselorID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.Conversation{}, err
	}

	now := c.now()
	conv = domain.Conversation{
		ID:          c.newID(),
		UserID:      userID,
		CounselorID: counselorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                conversationItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return c.FindConversation(ctx, userID, counselorID)
		}
		return domain.Conversation{}, fmt.Errorf("repository: FindOrCreateConversation: %w", err)
	}
	return conv, nil
}

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	item := conversationKey(conv.UserID, conv.CounselorID)
	item["id"] = strValue(conv.ID)
	item["userId"] = strValue(conv.UserID)
	item["counselorId"] = strValue(conv.CounselorID)
	item["createdAt"] = timeValue(conv.CreatedAt)
	item["updatedAt"] = timeValue(conv.UpdatedAt)
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Conversation{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Conversation{}, err
	}
	counselorID, err := strAttr(item, "counselorId")
	if err != nil {
		return domain.Conversation{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	updatedAt, err := timeAttr(item, "updatedAt")
	if err != nil {
		updatedAt = createdAt
	}
	return domain.Conversation{
		ID:          id,
		UserID:      userID,
		CounselorID: counselorID,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}
