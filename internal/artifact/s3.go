package artifact

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Store implements Store on an S3 bucket.
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
}

var _ Store = (*S3Store)(nil)

// NewS3Store wraps an S3 client for one bucket.
func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
	}
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("PutObject s3://%s/%s: %w", s.bucket, key, err)
	}

	ref := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	log.Debug().Str("ref", ref).Int("bytes", len(body)).Str("contentType", contentType).Msg("Artifact persisted")
	return ref, nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("GetObject s3://%s/%s: %w", s.bucket, key, err)
	}
	defer result.Body.Close()

	body, err := readAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", s.bucket, key, err)
	}
	return body, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	input := &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	}
	// Handle pagination — S3 returns up to 1000 keys per call.
	for {
		result, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("ListObjectsV2 s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range result.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		if result.IsTruncated == nil || !*result.IsTruncated {
			break
		}
		input.ContinuationToken = result.NextContinuationToken
	}

	return keys, nil
}

func (s *S3Store) Presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	result, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign GetObject s3://%s/%s: %w", s.bucket, key, err)
	}
	return result.URL, nil
}
