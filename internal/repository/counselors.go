package repository

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"patpat-agent/internal/domain"
)

func counselorKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": strValue(pkCounselors),
		"SK": strValue(skPrefixCounselor + id),
	}
}

// GetCounselor returns one counselor of the catalog, or ErrNotFound.
func (c *Client) GetCounselor(ctx context.Context, id string) (domain.Counselor, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       counselorKey(id),
	})
	if err != nil {
		return domain.Counselor{}, fmt.Errorf("repository: GetCounselor get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Counselor{}, ErrNotFound
	}
	counselor, err := itemToCounselor(out.Item)
	if err != nil {
		return domain.Counselor{}, fmt.Errorf("repository: GetCounselor unmarshal: %w", err)
	}
	return counselor, nil
}

// ListCounselors returns the whole catalog ordered by display order.
func (c *Client) ListCounselors(ctx context.Context) ([]domain.Counselor, error) {
	items, err := c.queryItems(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": strValue(pkCounselors),
		},
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("repository: ListCounselors query: %w", err)
	}

	counselors := make([]domain.Counselor, 0, len(items))
	for _, item := range items {
		co, err := itemToCounselor(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListCounselors unmarshal: %w", err)
		}
		counselors = append(counselors, co)
	}
	slices.SortStableFunc(counselors, func(a, b domain.Counselor) int {
		return cmp.Compare(a.Order, b.Order)
	})
	return counselors, nil
}

// PutCounselor creates or replaces a catalog entry.
func (c *Client) PutCounselor(ctx context.Context, co domain.Counselor) error {
	if co.ID == "" {
		return fmt.Errorf("repository: PutCounselor: id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      counselorItem(co),
	})
	if err != nil {
		return fmt.Errorf("repository: PutCounselor: %w", err)
	}
	return nil
}

func counselorItem(co domain.Counselor) map[string]types.AttributeValue {
	item := counselorKey(co.ID)
	item["id"] = strValue(co.ID)
	item["name"] = strValue(co.Name)
	item["description"] = strValue(co.Description)
	item["order"] = &types.AttributeValueMemberN{Value: strconv.Itoa(co.Order)}
	item["prompt"] = strValue(co.Prompt)
	item["taskId"] = strValue(co.TaskID)
	tags := make([]types.AttributeValue, 0, len(co.Tags))
	for _, t := range co.Tags {
		tags = append(tags, strValue(t))
	}
	item["tags"] = &types.AttributeValueMemberL{Value: tags}
	return item
}

func itemToCounselor(item map[string]types.AttributeValue) (domain.Counselor, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Counselor{}, err
	}
	name, err := strAttr(item, "name")
	if err != nil {
		return domain.Counselor{}, err
	}
	order, _ := intAttr(item, "order")
	var tags []string
	if l, ok := item["tags"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			if s, ok := v.(*types.AttributeValueMemberS); ok {
				tags = append(tags, s.Value)
			}
		}
	}
	return domain.Counselor{
		ID:          id,
		Name:        name,
		Description: optStrAttr(item, "description"),
		Order:       order,
		Tags:        tags,
		Prompt:      optStrAttr(item, "prompt"),
		TaskID:      optStrAttr(item, "taskId"),
	}, nil
}
