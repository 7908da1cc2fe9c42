package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/offermail/internal/service/lifecycle"
)

type fakeS3 struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.in = in
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = b
	return &s3.PutObjectOutput{}, nil
}

type fakeDynamo struct {
	in  *dynamodb.PutItemInput
	err error
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.in = in
	return &dynamodb.PutItemOutput{}, nil
}

func record() lifecycle.DeprovisionRecord {
	since := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return lifecycle.DeprovisionRecord{
		ClientID:     "c-42",
		Address:      "ana.lopez@mail-one.test",
		Domain:       "mail-one.test",
		Reason:       "inactive",
		Source:       "sweep",
		PendingSince: &since,
		At:           time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC),
	}
}

func TestS3ArchiverWritesJSON(t *testing.T) {
	api := &fakeS3{}
	a := NewS3Archiver(api, "audit-bucket", "")

	require.NoError(t, a.ArchiveDeprovision(context.Background(), record()))
	require.NotNil(t, api.in)
	assert.Equal(t, "audit-bucket", aws.ToString(api.in.Bucket))
	assert.Equal(t, "deprovisions/2026/03/03/c-42-1772530200.json", aws.ToString(api.in.Key))
	assert.Equal(t, "application/json", aws.ToString(api.in.ContentType))

	var got lifecycle.DeprovisionRecord
	require.NoError(t, json.Unmarshal(api.body, &got))
	assert.Equal(t, "c-42", got.ClientID)
	assert.Equal(t, "inactive", got.Reason)
	require.NotNil(t, got.PendingSince)
}

func TestS3ArchiverCustomPrefix(t *testing.T) {
	a := NewS3Archiver(&fakeS3{}, "b", "mailboxes/retired")
	assert.Equal(t, "mailboxes/retired/2026/03/03/c-42-1772530200.json", a.Key(record()))
}

func TestS3ArchiverPropagatesError(t *testing.T) {
	a := NewS3Archiver(&fakeS3{err: errors.New("access denied")}, "b", "")
	err := a.ArchiveDeprovision(context.Background(), record())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestDynamoArchiverWritesItem(t *testing.T) {
	api := &fakeDynamo{}
	a := NewDynamoArchiver(api, "deprovisions", 90*24*time.Hour)
	rec := record()

	require.NoError(t, a.ArchiveDeprovision(context.Background(), rec))
	require.NotNil(t, api.in)
	assert.Equal(t, "deprovisions", aws.ToString(api.in.TableName))

	var item deprovisionItem
	require.NoError(t, attributevalue.UnmarshalMap(api.in.Item, &item))
	assert.Equal(t, "CLIENT#c-42", item.PK)
	assert.Equal(t, "DEPROVISION#2026-03-03T09:30:00Z", item.SK)
	assert.Equal(t, "mail-one.test", item.Domain)
	assert.Equal(t, rec.At.Add(90*24*time.Hour).Unix(), item.TTL)

	var got lifecycle.DeprovisionRecord
	require.NoError(t, json.Unmarshal([]byte(item.Data), &got))
	assert.Equal(t, rec.Address, got.Address)
}

func TestDynamoArchiverWithoutTTL(t *testing.T) {
	api := &fakeDynamo{}
	a := NewDynamoArchiver(api, "t", 0)
	require.NoError(t, a.ArchiveDeprovision(context.Background(), record()))
	_, ok := api.in.Item["TTL"]
	assert.False(t, ok)
}

func TestNewValidatesConfig(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, Config{})
	require.NoError(t, err)
	assert.Nil(t, a)

	_, err = New(ctx, Config{Backend: "gcs"})
	assert.ErrorContains(t, err, "unknown backend")

	_, err = New(ctx, Config{Backend: "s3"})
	assert.ErrorContains(t, err, "bucket")

	_, err = New(ctx, Config{Backend: "dynamodb"})
	assert.ErrorContains(t, err, "table")
}
