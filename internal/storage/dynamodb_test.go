package storage

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/peteski22/adsmirror/internal/entity"
)

var storeNow = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

type mockDynamoDBClient struct {
	batchWriteItemFunc func(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	queryFunc          func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

func (m *mockDynamoDBClient) BatchWriteItem(
	ctx context.Context,
	params *dynamodb.BatchWriteItemInput,
	optFns ...func(*dynamodb.Options),
) (*dynamodb.BatchWriteItemOutput, error) {
	if m.batchWriteItemFunc != nil {
		return m.batchWriteItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (m *mockDynamoDBClient) Query(
	ctx context.Context,
	params *dynamodb.QueryInput,
	optFns ...func(*dynamodb.Options),
) (*dynamodb.QueryOutput, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, params, optFns...)
	}
	return &dynamodb.QueryOutput{}, nil
}

// fakeTable is an in-memory DynamoDB table keyed by pk and entity_id.
type fakeTable struct {
	items map[string]map[string]map[string]types.AttributeValue
	mu    sync.Mutex
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: make(map[string]map[string]map[string]types.AttributeValue)}
}

func (f *fakeTable) client() *mockDynamoDBClient {
	return &mockDynamoDBClient{
		batchWriteItemFunc: func(_ context.Context, params *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
			f.mu.Lock()
			defer f.mu.Unlock()

			for _, requests := range params.RequestItems {
				if len(requests) > dynamoBatchSize {
					return nil, errors.New("too many items in batch")
				}
				for _, r := range requests {
					switch {
					case r.PutRequest != nil:
						pk := r.PutRequest.Item[attrPartition].(*types.AttributeValueMemberS).Value
						id := r.PutRequest.Item[attrEntityID].(*types.AttributeValueMemberS).Value
						if f.items[pk] == nil {
							f.items[pk] = make(map[string]map[string]types.AttributeValue)
						}
						f.items[pk][id] = r.PutRequest.Item
					case r.DeleteRequest != nil:
						pk := r.DeleteRequest.Key[attrPartition].(*types.AttributeValueMemberS).Value
						id := r.DeleteRequest.Key[attrEntityID].(*types.AttributeValueMemberS).Value
						delete(f.items[pk], id)
					}
				}
			}
			return &dynamodb.BatchWriteItemOutput{}, nil
		},
		queryFunc: func(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			f.mu.Lock()
			defer f.mu.Unlock()

			pk := params.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
			var items []map[string]types.AttributeValue
			for _, item := range f.items[pk] {
				items = append(items, item)
			}
			return &dynamodb.QueryOutput{Items: items}, nil
		},
	}
}

func newTestCodec(t *testing.T, compress bool) *Codec {
	t.Helper()

	c, err := NewCodec(compress)
	require.NoError(t, err)
	return c
}

func testSnapshot(t *testing.T, id string, fields map[string]any) entity.Snapshot {
	t.Helper()

	s, err := entity.SnapshotOf(id, fields)
	require.NoError(t, err)
	return s
}

func TestNewDynamoDBSnapshots(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		client    DynamoDBAPI
		codec     bool
		errMsg    string
		tableName string
		wantErr   bool
	}{
		"valid inputs": {
			client:    &mockDynamoDBClient{},
			codec:     true,
			tableName: "adsmirror-snapshots",
		},
		"nil client": {
			codec:     true,
			tableName: "adsmirror-snapshots",
			wantErr:   true,
			errMsg:    "dynamodb client is required",
		},
		"empty table name": {
			client:  &mockDynamoDBClient{},
			codec:   true,
			wantErr: true,
			errMsg:  "table name is required",
		},
		"nil codec": {
			client:    &mockDynamoDBClient{},
			tableName: "adsmirror-snapshots",
			wantErr:   true,
			errMsg:    "codec is required",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var codec *Codec
			if tc.codec {
				codec = newTestCodec(t, false)
			}

			store, err := NewDynamoDBSnapshots(tc.client, tc.tableName, codec)
			if tc.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.errMsg)
				require.Nil(t, store)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, store)
		})
	}
}

func TestDynamoDBSnapshots_RoundTrip(t *testing.T) {
	t.Parallel()

	for name, compress := range map[string]bool{"plain": false, "compressed": true} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			table := newFakeTable()
			store, err := NewDynamoDBSnapshots(table.client(), "snapshots", newTestCodec(t, compress))
			require.NoError(t, err)

			ctx := context.Background()
			lmt := "2025-06-30T10:00:00Z"
			snaps := []entity.Snapshot{
				testSnapshot(t, "1", map[string]any{"campaign.name": "Brand", entity.LastModifiedField: lmt}),
				testSnapshot(t, "2", map[string]any{"campaign.name": "Generic"}),
			}

			require.NoError(t, store.PutSnapshots(ctx, entity.TypeCampaigns, "123", snaps))

			got, err := store.Snapshots(ctx, entity.TypeCampaigns, "123")
			require.NoError(t, err)
			require.ElementsMatch(t, snaps, got)

			other, err := store.Snapshots(ctx, entity.TypeCampaigns, "456")
			require.NoError(t, err)
			require.Empty(t, other, "customers are separate partitions")

			require.NoError(t, store.DeleteSnapshots(ctx, entity.TypeCampaigns, "123", []string{"1"}))
			got, err = store.Snapshots(ctx, entity.TypeCampaigns, "123")
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, "2", got[0].EntityID)
		})
	}
}

func TestDynamoDBSnapshots_PutBatchesAndTTL(t *testing.T) {
	t.Parallel()

	var batches []int
	var expires []string
	client := &mockDynamoDBClient{
		batchWriteItemFunc: func(_ context.Context, params *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
			requests := params.RequestItems["snapshots"]
			batches = append(batches, len(requests))
			for _, r := range requests {
				expires = append(expires, r.PutRequest.Item[attrExpiresAt].(*types.AttributeValueMemberN).Value)
			}
			return &dynamodb.BatchWriteItemOutput{}, nil
		},
	}

	store, err := NewDynamoDBSnapshots(client, "snapshots", newTestCodec(t, false),
		WithDynamoDBTTL(time.Hour),
		WithDynamoDBClock(func() time.Time { return storeNow }),
	)
	require.NoError(t, err)

	snaps := make([]entity.Snapshot, 0, 60)
	for i := range 60 {
		snaps = append(snaps, testSnapshot(t, strconv.Itoa(i), map[string]any{"i": i}))
	}

	require.NoError(t, store.PutSnapshots(context.Background(), entity.TypeKeywords, "123", snaps))
	require.Equal(t, []int{25, 25, 10}, batches)
	require.Len(t, expires, 60)
	require.Equal(t, strconv.FormatInt(storeNow.Add(time.Hour).Unix(), 10), expires[0])
}

func TestDynamoDBSnapshots_UnprocessedItems(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		unprocessedCalls int
		wantCalls        int
		wantErr          bool
	}{
		"resubmits until processed": {
			unprocessedCalls: 2,
			wantCalls:        3,
		},
		"gives up after bounded attempts": {
			unprocessedCalls: 100,
			wantCalls:        dynamoUnprocessedAttempts,
			wantErr:          true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			client := &mockDynamoDBClient{
				batchWriteItemFunc: func(_ context.Context, params *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
					calls++
					if calls <= tc.unprocessedCalls {
						return &dynamodb.BatchWriteItemOutput{UnprocessedItems: params.RequestItems}, nil
					}
					return &dynamodb.BatchWriteItemOutput{}, nil
				},
			}

			store, err := NewDynamoDBSnapshots(client, "snapshots", newTestCodec(t, false), WithDynamoDBRetryDelay(time.Millisecond))
			require.NoError(t, err)

			err = store.DeleteSnapshots(context.Background(), entity.TypeCampaigns, "123", []string{"1", "2"})
			if tc.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), "unprocessed")
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.wantCalls, calls)
		})
	}
}

func TestDynamoDBSnapshots_Snapshots(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t, false)
	payload, err := codec.Encode(map[string]any{"campaign.name": "Brand"})
	require.NoError(t, err)

	item := func(id string, expiresAt int64) map[string]types.AttributeValue {
		it := map[string]types.AttributeValue{
			attrPartition:   &types.AttributeValueMemberS{Value: "CAMPAIGNS#123"},
			attrEntityID:    &types.AttributeValueMemberS{Value: id},
			attrFingerprint: &types.AttributeValueMemberS{Value: "fp-" + id},
			attrPayload:     &types.AttributeValueMemberB{Value: payload},
		}
		if expiresAt > 0 {
			it[attrExpiresAt] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)}
		}
		return it
	}

	tests := map[string]struct {
		client  *mockDynamoDBClient
		errMsg  string
		wantErr bool
		wantIDs []string
	}{
		"follows pagination": {
			client: &mockDynamoDBClient{
				queryFunc: func(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
					if params.ExclusiveStartKey == nil {
						return &dynamodb.QueryOutput{
							Items:            []map[string]types.AttributeValue{item("1", 0)},
							LastEvaluatedKey: map[string]types.AttributeValue{attrEntityID: &types.AttributeValueMemberS{Value: "1"}},
						}, nil
					}
					return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item("2", 0)}}, nil
				},
			},
			wantIDs: []string{"1", "2"},
		},
		"skips expired items": {
			client: &mockDynamoDBClient{
				queryFunc: func(_ context.Context, _ *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
					return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
						item("live", storeNow.Add(time.Minute).Unix()),
						item("expired", storeNow.Unix()),
					}}, nil
				},
			},
			wantIDs: []string{"live"},
		},
		"query error": {
			client: &mockDynamoDBClient{
				queryFunc: func(_ context.Context, _ *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
					return nil, errors.New("throttled")
				},
			},
			wantErr: true,
			errMsg:  "querying DynamoDB",
		},
		"corrupt payload": {
			client: &mockDynamoDBClient{
				queryFunc: func(_ context.Context, _ *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
					bad := item("1", 0)
					bad[attrPayload] = &types.AttributeValueMemberB{Value: []byte("not json")}
					return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{bad}}, nil
				},
			},
			wantErr: true,
			errMsg:  "parsing item",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store, err := NewDynamoDBSnapshots(tc.client, "snapshots", codec, WithDynamoDBClock(func() time.Time { return storeNow }))
			require.NoError(t, err)

			got, err := store.Snapshots(context.Background(), entity.TypeCampaigns, "123")
			if tc.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.errMsg)
				return
			}
			require.NoError(t, err)

			var ids []string
			for _, s := range got {
				ids = append(ids, s.EntityID)
				require.Equal(t, "Brand", s.Payload["campaign.name"])
			}
			require.Equal(t, tc.wantIDs, ids)
		})
	}
}

func TestDynamoDBSnapshots_InvalidScope(t *testing.T) {
	t.Parallel()

	store, err := NewDynamoDBSnapshots(&mockDynamoDBClient{}, "snapshots", newTestCodec(t, false))
	require.NoError(t, err)

	_, err = store.Snapshots(context.Background(), entity.Type("ADS"), "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown entity type")
	require.Contains(t, err.Error(), "customer ID is required")

	err = store.PutSnapshots(context.Background(), entity.TypeCampaigns, "123", []entity.Snapshot{{}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "entity ID is required")

}
