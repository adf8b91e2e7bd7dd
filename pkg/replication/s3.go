package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"tabledb/pkg/dberrors"
	"tabledb/pkg/generation"
	"tabledb/pkg/segment"
)

const headObject = "HEAD.json"

type iS3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Config locates an exported table set in a bucket.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // S3 compatible services such as MinIO
	// Static credentials; leave empty to use the default AWS chain.
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// NewS3Client builds a client from cfg and the default AWS configuration.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", dberrors.ErrInvalidArgument)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

type s3Layout struct {
	bucket string
	prefix string
}

func (l s3Layout) key(tableName string, parts ...string) string {
	return path.Join(append([]string{l.prefix, tableName}, parts...)...)
}

func (l s3Layout) headKey(tableName string) string {
	return l.key(tableName, headObject)
}

func (l s3Layout) chunkKey(tableName string, ref segment.Ref) string {
	return l.key(tableName, "chunks", ref.Filename)
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

// S3Source reads generations exported by S3Exporter.
type S3Source struct {
	client iS3API
	layout s3Layout
}

func NewS3Source(client iS3API, bucket, prefix string) *S3Source {
	return &S3Source{client: client, layout: s3Layout{bucket: bucket, prefix: strings.Trim(prefix, "/")}}
}

func (s *S3Source) Descriptor(ctx context.Context, tableName string) (generation.Descriptor, error) {
	key := s.layout.headKey(tableName)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.layout.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return generation.Descriptor{}, fmt.Errorf("%w: s3://%s/%s", dberrors.ErrNotFound, s.layout.bucket, key)
		}
		return generation.Descriptor{}, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer resp.Body.Close()

	var desc generation.Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return generation.Descriptor{}, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	desc.Source = "s3://" + s.layout.bucket + "/" + key
	return desc, nil
}

func (s *S3Source) FetchChunk(ctx context.Context, tableName string, ref segment.Ref) (io.ReadCloser, error) {
	key := s.layout.chunkKey(tableName, ref)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.layout.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return resp.Body, nil
}

// S3Exporter uploads a generation and its chunks so other replicas can
// bootstrap from the bucket.
type S3Exporter struct {
	client iS3API
	layout s3Layout
}

func NewS3Exporter(client iS3API, bucket, prefix string) *S3Exporter {
	return &S3Exporter{client: client, layout: s3Layout{bucket: bucket, prefix: strings.Trim(prefix, "/")}}
}

// Export uploads the chunks of desc that the bucket does not hold yet,
// then replaces the table's HEAD object. Chunks are immutable, so an
// object with the right size is never uploaded again. It returns the
// number of chunks uploaded.
func (e *S3Exporter) Export(ctx context.Context, desc generation.Descriptor, chunkDir string) (int, error) {
	if desc.Generation == nil {
		return 0, fmt.Errorf("%w: descriptor without generation", dberrors.ErrInvalidArgument)
	}
	tableName := desc.Generation.Table

	uploaded := 0
	for _, ref := range desc.Generation.Chunks {
		key := e.layout.chunkKey(tableName, ref)
		present, err := e.exists(ctx, key, ref.ByteSize)
		if err != nil {
			return uploaded, err
		}
		if present {
			continue
		}
		if err := e.putChunk(ctx, key, ref, chunkDir); err != nil {
			return uploaded, err
		}
		uploaded++
	}

	data, err := json.Marshal(desc)
	if err != nil {
		return uploaded, fmt.Errorf("failed to encode descriptor: %w", err)
	}
	key := e.layout.headKey(tableName)
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(e.layout.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return uploaded, fmt.Errorf("failed to put %s: %w", key, err)
	}
	return uploaded, nil
}

func (e *S3Exporter) exists(ctx context.Context, key string, size uint64) (bool, error) {
	resp, err := e.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(e.layout.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head %s: %w", key, err)
	}
	return aws.ToInt64(resp.ContentLength) == int64(size), nil
}

func (e *S3Exporter) putChunk(ctx context.Context, key string, ref segment.Ref, chunkDir string) error {
	f, err := os.Open(ref.Path(chunkDir))
	if err != nil {
		return fmt.Errorf("failed to open chunk %d: %w", ref.SequenceID, err)
	}
	defer f.Close()

	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(e.layout.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(int64(ref.ByteSize)),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}
