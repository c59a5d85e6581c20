package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants. One item per fingerprint; PK carries the prefix so
// the table can be shared with other record types later.
const pkPrefix = "FP#"

// DynamoStore implements RecordStore on a DynamoDB table.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

var _ RecordStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

func recordPK(fingerprint string) string {
	return pkPrefix + fingerprint
}

func (s *DynamoStore) Get(ctx context.Context, fingerprint string) (*Record, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: recordPK(fingerprint)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem fingerprint=%s: %w", fingerprint, err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var rec Record
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal fingerprint=%s: %w", fingerprint, err)
	}
	rec.Fingerprint = fingerprint
	return &rec, nil
}

func (s *DynamoStore) Put(ctx context.Context, rec Record) error {
	item, err := s.marshal(rec)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem fingerprint=%s: %w", rec.Fingerprint, err)
	}

	log.Debug().Str("fingerprint", rec.Fingerprint).Str("artifactRef", rec.ArtifactRef).Msg("Dedup record overwritten")
	return nil
}

func (s *DynamoStore) PutIfAbsent(ctx context.Context, rec Record) (bool, *Record, error) {
	item, err := s.marshal(rec)
	if err != nil {
		return false, nil, err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			// Lost the race: another instance registered this fingerprint
			// first. Read the winner's record so the caller can report the
			// surviving artifact.
			existing, getErr := s.Get(ctx, rec.Fingerprint)
			if getErr != nil {
				return false, nil, fmt.Errorf("read winning record fingerprint=%s: %w", rec.Fingerprint, getErr)
			}
			log.Debug().Str("fingerprint", rec.Fingerprint).Msg("Lost dedup record race to concurrent writer")
			return false, existing, nil
		}
		return false, nil, fmt.Errorf("conditional PutItem fingerprint=%s: %w", rec.Fingerprint, err)
	}

	return true, nil, nil
}

func (s *DynamoStore) marshal(rec Record) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal fingerprint=%s: %w", rec.Fingerprint, err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: recordPK(rec.Fingerprint)}
	return item, nil
}
