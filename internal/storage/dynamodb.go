package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/peteski22/adsmirror/internal/entity"
)

const (
	// dynamoBatchSize is the BatchWriteItem request limit.
	dynamoBatchSize = 25

	// dynamoUnprocessedAttempts bounds resubmission of throttled batch items.
	dynamoUnprocessedAttempts = 5
)

// Attribute names of a snapshot item.
const (
	attrEntityID     = "entity_id"
	attrExpiresAt    = "expires_at"
	attrFingerprint  = "fingerprint"
	attrLastModified = "last_modified_time"
	attrPartition    = "pk"
	attrPayload      = "payload"
	attrUpdatedAt    = "updated_at"
)

// DynamoDBAPI defines the DynamoDB operations used by the snapshot store.
type DynamoDBAPI interface {
	// BatchWriteItem puts or deletes up to 25 items.
	BatchWriteItem(
		ctx context.Context,
		params *dynamodb.BatchWriteItemInput,
		optFns ...func(*dynamodb.Options),
	) (*dynamodb.BatchWriteItemOutput, error)

	// Query retrieves items matching a key condition from DynamoDB.
	Query(
		ctx context.Context,
		params *dynamodb.QueryInput,
		optFns ...func(*dynamodb.Options),
	) (*dynamodb.QueryOutput, error)
}

// DynamoDBSnapshots stores entity snapshots in a DynamoDB table keyed by
// pk ("ENTITY_TYPE#customer") and entity_id. Expired items are skipped on read and
// removed by DynamoDB's TTL sweeper via expires_at.
type DynamoDBSnapshots struct {
	// client is the DynamoDB API client.
	client DynamoDBAPI

	// codec encodes payloads.
	codec *Codec

	// now returns the current time.
	now func() time.Time

	// retryDelay is the pause before resubmitting unprocessed items.
	retryDelay time.Duration

	// tableName is the name of the DynamoDB table.
	tableName string

	// ttl is how long written snapshots live; zero disables expiry.
	ttl time.Duration
}

// DynamoDBOption configures a DynamoDBSnapshots.
type DynamoDBOption func(*DynamoDBSnapshots)

// WithDynamoDBTTL expires snapshots the given duration after they are written.
func WithDynamoDBTTL(ttl time.Duration) DynamoDBOption {
	return func(d *DynamoDBSnapshots) {
		d.ttl = ttl
	}
}

// WithDynamoDBClock sets the clock used for expiry.
func WithDynamoDBClock(now func() time.Time) DynamoDBOption {
	return func(d *DynamoDBSnapshots) {
		d.now = now
	}
}

// WithDynamoDBRetryDelay sets the pause before resubmitting unprocessed batch items.
func WithDynamoDBRetryDelay(delay time.Duration) DynamoDBOption {
	return func(d *DynamoDBSnapshots) {
		d.retryDelay = delay
	}
}

// NewDynamoDBSnapshots creates a new DynamoDB-backed snapshot store.
func NewDynamoDBSnapshots(
	client DynamoDBAPI,
	tableName string,
	codec *Codec,
	opts ...DynamoDBOption,
) (*DynamoDBSnapshots, error) {
	if client == nil {
		return nil, errors.New("dynamodb client is required")
	}
	if tableName == "" {
		return nil, errors.New("table name is required")
	}
	if codec == nil {
		return nil, errors.New("codec is required")
	}

	d := &DynamoDBSnapshots{
		client:     client,
		codec:      codec,
		now:        time.Now,
		retryDelay: 200 * time.Millisecond,
		tableName:  tableName,
	}
	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Snapshots returns every live snapshot for the entity type and customer, following
// Query pagination.
func (d *DynamoDBSnapshots) Snapshots(ctx context.Context, t entity.Type, customerID string) ([]entity.Snapshot, error) {
	if err := validateScope(t, customerID); err != nil {
		return nil, err
	}

	now := d.now().Unix()
	var out []entity.Snapshot
	var startKey map[string]types.AttributeValue

	for {
		output, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.tableName),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: partitionKey(t, customerID)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("querying DynamoDB: %w", err)
		}

		for _, item := range output.Items {
			s, live, err := d.parseItem(item, now)
			if err != nil {
				return nil, fmt.Errorf("parsing item: %w", err)
			}
			if live {
				out = append(out, s)
			}
		}

		if len(output.LastEvaluatedKey) == 0 {
			return out, nil
		}
		startKey = output.LastEvaluatedKey
	}
}

// PutSnapshots writes the snapshots in batches of 25.
func (d *DynamoDBSnapshots) PutSnapshots(
	ctx context.Context,
	t entity.Type,
	customerID string,
	snaps []entity.Snapshot,
) error {
	if err := validateScope(t, customerID); err != nil {
		return err
	}

	pk := partitionKey(t, customerID)
	now := d.now()

	requests := make([]types.WriteRequest, 0, len(snaps))
	for _, s := range snaps {
		if s.EntityID == "" {
			return errors.New("entity ID is required")
		}

		payload, err := d.codec.Encode(s.Payload)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", s.EntityID, err)
		}

		item := map[string]types.AttributeValue{
			attrPartition:   &types.AttributeValueMemberS{Value: pk},
			attrEntityID:    &types.AttributeValueMemberS{Value: s.EntityID},
			attrFingerprint: &types.AttributeValueMemberS{Value: s.Fingerprint},
			attrPayload:     &types.AttributeValueMemberB{Value: payload},
			attrUpdatedAt:   &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)},
		}
		if !s.LastModified.IsZero() {
			item[attrLastModified] = &types.AttributeValueMemberS{Value: s.LastModified.UTC().Format(time.RFC3339Nano)}
		}
		if d.ttl > 0 {
			item[attrExpiresAt] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(d.ttl).Unix(), 10)}
		}

		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}

	return d.batchWrite(ctx, requests)
}

// DeleteSnapshots removes the snapshots in batches of 25.
func (d *DynamoDBSnapshots) DeleteSnapshots(ctx context.Context, t entity.Type, customerID string, ids []string) error {
	if err := validateScope(t, customerID); err != nil {
		return err
	}

	pk := partitionKey(t, customerID)
	requests := make([]types.WriteRequest, 0, len(ids))
	for _, id := range ids {
		requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{
			Key: map[string]types.AttributeValue{
				attrPartition: &types.AttributeValueMemberS{Value: pk},
				attrEntityID:  &types.AttributeValueMemberS{Value: id},
			},
		}})
	}

	return d.batchWrite(ctx, requests)
}

func (d *DynamoDBSnapshots) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	for start := 0; start < len(requests); start += dynamoBatchSize {
		end := min(start+dynamoBatchSize, len(requests))
		pending := requests[start:end]

		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt == dynamoUnprocessedAttempts {
				return fmt.Errorf("%d items still unprocessed after %d attempts", len(pending), attempt)
			}
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(d.retryDelay):
				}
			}

			output, err := d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{d.tableName: pending},
			})
			if err != nil {
				return fmt.Errorf("writing batch to DynamoDB: %w", err)
			}

			pending = output.UnprocessedItems[d.tableName]
		}
	}

	return nil
}

// parseItem converts an item into a snapshot, reporting false for expired items.
func (d *DynamoDBSnapshots) parseItem(item map[string]types.AttributeValue, now int64) (entity.Snapshot, bool, error) {
	if v, ok := item[attrExpiresAt].(*types.AttributeValueMemberN); ok {
		exp, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return entity.Snapshot{}, false, fmt.Errorf("parsing expires_at: %w", err)
		}
		if exp <= now {
			return entity.Snapshot{}, false, nil
		}
	}

	var id, fingerprint string
	if v, ok := item[attrEntityID].(*types.AttributeValueMemberS); ok {
		id = v.Value
	}
	if id == "" {
		return entity.Snapshot{}, false, errors.New("item has no entity_id")
	}
	if v, ok := item[attrFingerprint].(*types.AttributeValueMemberS); ok {
		fingerprint = v.Value
	}

	var payload []byte
	if v, ok := item[attrPayload].(*types.AttributeValueMemberB); ok {
		payload = v.Value
	}

	s, err := d.codec.snapshot(id, fingerprint, payload)
	if err != nil {
		return entity.Snapshot{}, false, err
	}

	if v, ok := item[attrLastModified].(*types.AttributeValueMemberS); ok {
		lm, err := time.Parse(time.RFC3339Nano, v.Value)
		if err != nil {
			return entity.Snapshot{}, false, fmt.Errorf("parsing last_modified_time: %w", err)
		}
		s.LastModified = lm
	}

	return s, true, nil
}
