package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cuemby/vgraph/pkg/errs"
)

// S3Backend is the remote-object-store Backend variant (§4.1 "remote
// object store"). It holds no pool of its own; callers that need bounded
// concurrent S3 calls wrap it in a pool.Pool.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures an S3Backend.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

// NewS3Backend loads default AWS credentials (environment, shared config,
// or instance profile) and returns an S3-backed Backend.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errs.Wrap(errs.BackendUnavailable, "backend.NewS3Backend", err, "failed to load AWS credentials")
	}

	return &S3Backend{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (b *S3Backend) Kind() string { return "s3" }

func (b *S3Backend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return strings.TrimSuffix(b.prefix, "/") + "/" + key
}

func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := observe("s3", "get", func() error {
		out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.objectKey(key)),
		})
		if err != nil {
			if isNoSuchKey(err) {
				return errs.New(errs.NotFound, "backend.Get", "key not found: "+key).WithEntity(key)
			}
			return errs.Wrap(errs.BackendUnavailable, "backend.Get", err, "failed to get object")
		}
		defer out.Body.Close()

		buf, err := io.ReadAll(out.Body)
		if err != nil {
			return errs.Wrap(errs.BackendUnavailable, "backend.Get", err, "failed to read object body")
		}
		data = buf
		return nil
	})
	return data, err
}

func (b *S3Backend) Put(ctx context.Context, key string, value []byte) error {
	return observe("s3", "put", func() error {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.objectKey(key)),
			Body:   bytes.NewReader(value),
		})
		if err != nil {
			return errs.Wrap(errs.BackendUnavailable, "backend.Put", err, "failed to put object")
		}
		return nil
	})
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	return observe("s3", "delete", func() error {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.objectKey(key)),
		})
		if err != nil {
			return errs.Wrap(errs.BackendUnavailable, "backend.Delete", err, "failed to delete object")
		}
		return nil
	})
}

func (b *S3Backend) List(ctx context.Context, prefix string, limit int, cursor string) ([]string, string, error) {
	var keys []string
	var next string

	err := observe("s3", "list", func() error {
		input := &s3.ListObjectsV2Input{
			Bucket:  aws.String(b.bucket),
			Prefix:  aws.String(b.objectKey(prefix)),
			MaxKeys: aws.Int32(int32(limit)),
		}
		if cursor != "" {
			input.ContinuationToken = aws.String(cursor)
		}

		out, err := b.client.ListObjectsV2(ctx, input)
		if err != nil {
			return errs.Wrap(errs.BackendUnavailable, "backend.List", err, "failed to list objects")
		}

		objPrefix := b.objectKey("")
		for _, obj := range out.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), objPrefix)
			keys = append(keys, key)
		}
		if out.IsTruncated != nil && *out.IsTruncated {
			next = aws.ToString(out.NextContinuationToken)
		}
		return nil
	})

	return keys, next, err
}

func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := observe("s3", "exists", func() error {
		_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.objectKey(key)),
		})
		if err != nil {
			if isNoSuchKey(err) {
				ok = false
				return nil
			}
			return errs.Wrap(errs.BackendUnavailable, "backend.Exists", err, "failed to head object")
		}
		ok = true
		return nil
	})
	return ok, err
}

func (b *S3Backend) Stat(ctx context.Context, key string) (Stat, error) {
	var st Stat
	err := observe("s3", "stat", func() error {
		out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.objectKey(key)),
		})
		if err != nil {
			if isNoSuchKey(err) {
				return errs.New(errs.NotFound, "backend.Stat", "key not found: "+key).WithEntity(key)
			}
			return errs.Wrap(errs.BackendUnavailable, "backend.Stat", err, "failed to head object")
		}
		size := int64(0)
		if out.ContentLength != nil {
			size = *out.ContentLength
		}
		mtime := aws.ToTime(out.LastModified)
		st = Stat{Size: size, Mtime: mtime}
		return nil
	})
	return st, err
}

func (b *S3Backend) Close() error { return nil }

// isNoSuchKey reports whether err is an S3 not-found response. The SDK
// surfaces this as either a typed *s3types.NoSuchKey/*s3types.NotFound or,
// for HeadObject, an opaque API error whose message carries the status —
// string matching covers both without importing the smithy error internals.
func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	if ok := asNoSuchKey(err, &nsk); ok {
		return true
	}
	if ok := asNotFound(err, &nf); ok {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound") || strings.Contains(msg, "StatusCode: 404")
}

func asNoSuchKey(err error, target **s3types.NoSuchKey) bool {
	return errors.As(err, target)
}

func asNotFound(err error, target **s3types.NotFound) bool {
	return errors.As(err, target)
}
