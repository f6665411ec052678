package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Config configures an S3Store.
type S3Config struct {
	// Bucket holds the snapshots. Required.
	Bucket string

	// Prefix is prepended to every room id to form the object key
	// (e.g., "rooms/").
	Prefix string

	// Region is the bucket's region.
	// Default: $AWS_REGION, then "us-east-1".
	Region string

	// Endpoint overrides the S3 endpoint for S3-compatible services.
	Endpoint string

	// UsePathStyle addresses the bucket in the URL path rather than the
	// host name. Most S3-compatible services need it.
	UsePathStyle bool

	// AccessKeyID and SecretAccessKey are static credentials.
	// Default: $AWS_ACCESS_KEY_ID, $AWS_SECRET_ACCESS_KEY and
	// $AWS_SESSION_TOKEN.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// S3Store stores snapshots as objects in an S3 bucket, one object per
// room.
//
// Example usage:
//
//	store, err := snapshot.NewS3Store(snapshot.S3Config{
//	    Bucket: "relay-snapshots",
//	    Prefix: "rooms/",
//	})
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store builds an S3 client from cfg and returns a store over it.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("snapshot: s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	opts := s3.Options{
		Region:       region,
		UsePathStyle: cfg.UsePathStyle,
		Credentials:  aws.NewCredentialsCache(staticCredentials(cfg)),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		// S3-compatible services often reject the newer default checksums.
		opts.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		opts.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	}
	return NewS3StoreWithClient(s3.New(opts), cfg.Bucket, cfg.Prefix), nil
}

// NewS3StoreWithClient returns a store over an existing client.
func NewS3StoreWithClient(client *s3.Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func staticCredentials(cfg S3Config) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		creds := aws.Credentials{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionToken:    cfg.SessionToken,
			Source:          "relay",
		}
		if creds.AccessKeyID == "" {
			creds.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
			creds.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
			creds.SessionToken = os.Getenv("AWS_SESSION_TOKEN")
			creds.Source = "environment"
		}
		if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
			return aws.Credentials{}, errors.New("snapshot: no S3 credentials configured")
		}
		return creds, nil
	})
}

func (s *S3Store) key(roomID string) string {
	return s.prefix + roomID
}

// Save uploads data as the room's object.
func (s *S3Store) Save(ctx context.Context, roomID string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(roomID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"relay-room": roomID,
		},
	})
	if err != nil {
		return fmt.Errorf("snapshot: s3 put %q: %w", roomID, err)
	}
	return nil
}

// Load downloads the room's object. A missing object is (nil, nil).
func (s *S3Store) Load(ctx context.Context, roomID string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(roomID)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: s3 get %q: %w", roomID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("snapshot: s3 read %q: %w", roomID, err)
	}
	return data, nil
}

// Delete removes the room's object.
func (s *S3Store) Delete(ctx context.Context, roomID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(roomID)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("snapshot: s3 delete %q: %w", roomID, err)
	}
	return nil
}

// List pages through the prefix and returns the room ids, sorted.
func (s *S3Store) List(ctx context.Context) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	var ids []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot: s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			if id := strings.TrimPrefix(*obj.Key, s.prefix); id != "" {
				ids = append(ids, id)
			}
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Close is a no-op; the S3 client holds no resources that need release.
func (s *S3Store) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}
