package aws

import (
	"context"
	"fmt"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/agatticelli/labcache/internal/platform/cache"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// dynamoItem is one cache entry. TTL is the table's expiry attribute in
// unix seconds; DynamoDB deletes the item some time after it passes.
type dynamoItem struct {
	PK   string `dynamodbav:"pk"`
	Data []byte `dynamodbav:"data"`
	TTL  int64  `dynamodbav:"ttl,omitempty"`
}

// DynamoStore is a cache.Store on a DynamoDB table keyed by "pk", usable as
// the remote tier
type DynamoStore struct {
	client DynamoAPI
	table  string
}

var _ cache.Store = (*DynamoStore)(nil)

// NewDynamoStore creates a store on table using an SDK config
func NewDynamoStore(cfg aws.Config, table string) *DynamoStore {
	return NewDynamoStoreWithClient(dynamodb.NewFromConfig(cfg), table)
}

// NewDynamoStoreWithClient wraps an existing client
func NewDynamoStoreWithClient(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func (d *DynamoStore) key(k string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: k},
	}
}

func (d *DynamoStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, cache.ErrNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return item.Data, nil
}

func (d *DynamoStore) Set(ctx context.Context, key string, data []byte) error {
	item := dynamoItem{PK: key, Data: data}
	if expireAt, ok := cache.EnvelopeExpiry(data); ok {
		item.TTL = int64(math.Ceil(float64(expireAt.UnixMilli()) / 1000))
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put item: %w", err)
	}
	return nil
}

func (d *DynamoStore) Remove(ctx context.Context, key string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       d.key(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

// Clear deletes every item under prefix. It scans the table, so it is meant
// for maintenance rather than the request path.
func (d *DynamoStore) Clear(ctx context.Context, prefix string) error {
	keys, err := d.ListKeys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := d.Remove(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (d *DynamoStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	input := &dynamodb.ScanInput{
		TableName:            aws.String(d.table),
		ProjectionExpression: aws.String("pk"),
	}
	if prefix != "" {
		input.FilterExpression = aws.String("begins_with(pk, :prefix)")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		}
	}

	var keys []string
	paginator := dynamodb.NewScanPaginator(d.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}

		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scan page: %w", err)
		}
		for _, item := range items {
			keys = append(keys, item.PK)
		}
	}
	return keys, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing
func (d *DynamoStore) Close() error {
	return nil
}
