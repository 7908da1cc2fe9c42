package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/offermail/internal/service/lifecycle"
)

// PutObjectAPI is the subset of the S3 client the archiver uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes each record as a JSON object.
type S3Archiver struct {
	api    PutObjectAPI
	bucket string
	prefix string
}

// NewS3Archiver returns an archiver writing under prefix in bucket.
// An empty prefix selects "deprovisions".
func NewS3Archiver(api PutObjectAPI, bucket, prefix string) *S3Archiver {
	if prefix == "" {
		prefix = "deprovisions"
	}
	return &S3Archiver{api: api, bucket: bucket, prefix: prefix}
}

// ArchiveDeprovision implements lifecycle.Archiver.
func (a *S3Archiver) ArchiveDeprovision(ctx context.Context, rec lifecycle.DeprovisionRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling deprovision record: %w", err)
	}
	_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(rec)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting object to S3: %w", err)
	}
	return nil
}

// Key is the object key for rec: prefix/YYYY/MM/DD/<client>-<unix>.json.
func (a *S3Archiver) Key(rec lifecycle.DeprovisionRecord) string {
	at := rec.At.UTC()
	return path.Join(a.prefix, at.Format("2006/01/02"),
		fmt.Sprintf("%s-%d.json", rec.ClientID, at.Unix()))
}
