package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/ignite/offermail/internal/service/lifecycle"
)

// PutItemAPI is the subset of the DynamoDB client the archiver uses.
type PutItemAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// deprovisionItem is the DynamoDB shape of a record. PK groups records by
// client, SK orders them by time.
type deprovisionItem struct {
	PK     string `dynamodbav:"PK"`
	SK     string `dynamodbav:"SK"`
	Domain string `dynamodbav:"Domain"`
	Reason string `dynamodbav:"Reason"`
	Source string `dynamodbav:"Source"`
	Data   string `dynamodbav:"Data"`
	TTL    int64  `dynamodbav:"TTL,omitempty"`
}

// DynamoArchiver writes each record as one table item.
type DynamoArchiver struct {
	api   PutItemAPI
	table string
	ttl   time.Duration
}

// NewDynamoArchiver returns an archiver writing to table. Items expire ttl
// after the deprovision; ttl <= 0 keeps them forever.
func NewDynamoArchiver(api PutItemAPI, table string, ttl time.Duration) *DynamoArchiver {
	return &DynamoArchiver{api: api, table: table, ttl: ttl}
}

// ArchiveDeprovision implements lifecycle.Archiver.
func (a *DynamoArchiver) ArchiveDeprovision(ctx context.Context, rec lifecycle.DeprovisionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling deprovision record: %w", err)
	}
	item := deprovisionItem{
		PK:     "CLIENT#" + rec.ClientID,
		SK:     "DEPROVISION#" + rec.At.UTC().Format(time.RFC3339),
		Domain: rec.Domain,
		Reason: rec.Reason,
		Source: rec.Source,
		Data:   string(data),
	}
	if a.ttl > 0 {
		item.TTL = rec.At.Add(a.ttl).Unix()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}
	_, err = a.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting item to DynamoDB: %w", err)
	}
	return nil
}
