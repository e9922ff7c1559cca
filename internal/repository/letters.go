package repository

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"patpat-agent/internal/domain"
)

// CreateLetter stores a freshly distilled letter.
func (c *Client) CreateLetter(ctx context.Context, userID, counselorID, content, footer string) (domain.Letter, error) {
	now := c.now()
	letter := domain.Letter{
		ID:          c.newID(),
		UserID:      userID,
		CounselorID: counselorID,
		Content:     content,
		Footer:      footer,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                letterItem(letter),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.Letter{}, fmt.Errorf("repository: CreateLetter: %w", err)
	}
	return letter, nil
}

// LastLetter returns the newest letter a user received from a counselor.
func (c *Client) LastLetter(ctx context.Context, userID, counselorID string) (domain.Letter, bool, error) {
	in := c.letterQuery(userID)
	in.FilterExpression = aws.String("counselorId = :cid")
	in.ExpressionAttributeValues[":cid"] = strValue(counselorID)

	letters, err := c.queryLetters(ctx, in, 1)
	if err != nil {
		return domain.Letter{}, false, fmt.Errorf("repository: LastLetter: %w", err)
	}
	if len(letters) == 0 {
		return domain.Letter{}, false, nil
	}
	return letters[0], true, nil
}

// ListLetters returns up to limit letters of a user, newest first. A non-nil
// liked restricts the result to letters with that flag.
func (c *Client) ListLetters(ctx context.Context, userID string, liked *bool, limit int) ([]domain.Letter, error) {
	in := c.letterQuery(userID)
	if liked != nil {
		in.FilterExpression = aws.String("isLiked = :liked")
		in.ExpressionAttributeValues[":liked"] = &types.AttributeValueMemberBOOL{Value: *liked}
	}
	letters, err := c.queryLetters(ctx, in, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: ListLetters: %w", err)
	}
	return letters, nil
}

// SetLetterLiked flips the liked flag of one of the user's letters.
func (c *Client) SetLetterLiked(ctx context.Context, userID, letterID string, liked bool) (domain.Letter, error) {
	in := c.letterQuery(userID)
	in.FilterExpression = aws.String("id = :id")
	in.ExpressionAttributeValues[":id"] = strValue(letterID)

	found, err := c.queryLetters(ctx, in, 1)
	if err != nil {
		return domain.Letter{}, fmt.Errorf("repository: SetLetterLiked lookup: %w", err)
	}
	if len(found) == 0 {
		return domain.Letter{}, ErrNotFound
	}

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": strValue(userPK(userID)),
			"SK": strValue(letterSK(found[0].CreatedAt, found[0].ID)),
		},
		UpdateExpression: aws.String("SET isLiked = :liked, updatedAt = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":liked": &types.AttributeValueMemberBOOL{Value: liked},
			":now":   timeValue(c.now()),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return domain.Letter{}, fmt.Errorf("repository: SetLetterLiked: %w", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		letter := found[0]
		letter.IsLiked = liked
		return letter, nil
	}
	letter, err := itemToLetter(out.Attributes)
	if err != nil {
		return domain.Letter{}, fmt.Errorf("repository: SetLetterLiked unmarshal: %w", err)
	}
	return letter, nil
}

// DeleteLetters removes every letter a user received from a counselor.
func (c *Client) DeleteLetters(ctx context.Context, userID, counselorID string) error {
	in := c.letterQuery(userID)
	in.FilterExpression = aws.String("counselorId = :cid")
	in.ExpressionAttributeValues[":cid"] = strValue(counselorID)
	in.ProjectionExpression = aws.String("PK, SK")

	items, err := c.queryItems(ctx, in, 0)
	if err != nil {
		return fmt.Errorf("repository: DeleteLetters query: %w", err)
	}
	keys := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		keys = append(keys, primaryKey(item))
	}
	if err := c.deleteKeys(ctx, keys); err != nil {
		return fmt.Errorf("repository: DeleteLetters: %w", err)
	}
	return nil
}

func (c *Client) letterQuery(userID string) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strValue(userPK(userID)),
			":prefix": strValue(skPrefixLetter),
		},
		ScanIndexForward: aws.Bool(false),
	}
}

func (c *Client) queryLetters(ctx context.Context, in *dynamodb.QueryInput, limit int) ([]domain.Letter, error) {
	items, err := c.queryItems(ctx, in, limit)
	if err != nil {
		return nil, err
	}
	letters := make([]domain.Letter, 0, len(items))
	for _, item := range items {
		l, err := itemToLetter(item)
		if err != nil {
			return nil, err
		}
		letters = append(letters, l)
	}
	return letters, nil
}

func letterItem(l domain.Letter) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":          strValue(userPK(l.UserID)),
		"SK":          strValue(letterSK(l.CreatedAt, l.ID)),
		"id":          strValue(l.ID),
		"userId":      strValue(l.UserID),
		"counselorId": strValue(l.CounselorID),
		"content":     strValue(l.Content),
		"footer":      strValue(l.Footer),
		"isLiked":     &types.AttributeValueMemberBOOL{Value: l.IsLiked},
		"createdAt":   timeValue(l.CreatedAt),
		"updatedAt":   timeValue(l.UpdatedAt),
	}
}

func itemToLetter(item map[string]types.AttributeValue) (domain.Letter, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Letter{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Letter{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Letter{}, err
	}
	updatedAt, err := timeAttr(item, "updatedAt")
	if err != nil {
		updatedAt = createdAt
	}
	return domain.Letter{
		ID:          id,
		UserID:      userID,
		CounselorID: optStrAttr(item, "counselorId"),
		Content:     optStrAttr(item, "content"),
		Footer:      optStrAttr(item, "footer"),
		IsLiked:     boolAttr(item, "isLiked"),
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}
