package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"chainvault/internal/chain"
)

// S3Options configures an S3Storage.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // for S3-compatible services such as MinIO
	UsePathStyle    bool
	AccessKeyID     string // static credentials; empty uses the default AWS chain
	SecretAccessKey string
}

// s3API is the subset of the S3 client the storage uses.
type s3API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(context.Context, *s3.DeleteObjectInput, ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(context.Context, *s3.DeleteObjectsInput, ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Storage keeps chain documents and backup folders as objects below a
// key prefix. Folders are key prefixes ending in "/".
type S3Storage struct {
	name     string
	bucket   string
	prefix   string
	client   s3API
	uploader *manager.Uploader
	ctx      context.Context
}

// NewS3Storage loads AWS configuration and creates an S3-backed storage.
func NewS3Storage(ctx context.Context, name string, opts S3Options) (*S3Storage, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires a bucket")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	return newS3Storage(ctx, name, opts.Bucket, opts.Prefix, client), nil
}

func newS3Storage(ctx context.Context, name, bucket, prefix string, client s3API) *S3Storage {
	return &S3Storage{
		name:     name,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		client:   client,
		uploader: manager.NewUploader(client),
		ctx:      ctx,
	}
}

// objectKey maps a storage path to an object key.
func (s *S3Storage) objectKey(p string) string {
	k := clean(p)
	switch {
	case s.prefix == "":
		return k
	case k == "":
		return s.prefix
	default:
		return s.prefix + "/" + k
	}
}

// folderPrefix is the key prefix of every object below p.
func (s *S3Storage) folderPrefix(p string) string {
	k := s.objectKey(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *S3Storage) Read(p string) ([]byte, error) {
	r, err := s.Open(p)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading s3 object %s: %w", p, err)
	}
	return data, nil
}

// Write uploads the object in one request; S3 replaces objects atomically.
func (s *S3Storage) Write(p string, data []byte) error {
	_, err := s.uploader.Upload(s.ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(p)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("uploading s3 object %s: %w", p, err)
	}
	return nil
}

func (s *S3Storage) Exists(p string) (bool, error) {
	_, err := s.client.HeadObject(s.ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(p)),
	})
	if err == nil {
		return true, nil
	}
	if !isNotFound(err) {
		return false, fmt.Errorf("checking s3 object %s: %w", p, err)
	}

	out, err := s.client.ListObjectsV2(s.ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.folderPrefix(p)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("listing s3 prefix %s: %w", p, err)
	}
	return len(out.Contents) > 0, nil
}

func (s *S3Storage) DeleteRecursive(p string) error {
	if clean(p) == "" {
		return fmt.Errorf("refusing to delete storage root")
	}

	if _, err := s.client.DeleteObject(s.ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(p)),
	}); err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting s3 object %s: %w", p, err)
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.folderPrefix(p)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(s.ctx)
		if err != nil {
			return fmt.Errorf("listing s3 prefix %s: %w", p, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := s.client.DeleteObjects(s.ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("deleting s3 prefix %s: %w", p, err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("deleting s3 object %s: %s", aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}

func (s *S3Storage) Open(p string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(s.ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(p)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, p)
		}
		return nil, fmt.Errorf("getting s3 object %s: %w", p, err)
	}
	return out.Body, nil
}

func (s *S3Storage) Stat(p string) (*chain.FileInfo, error) {
	out, err := s.client.HeadObject(s.ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(p)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, p)
		}
		return nil, fmt.Errorf("checking s3 object %s: %w", p, err)
	}
	return &chain.FileInfo{
		Path:    p,
		Size:    aws.ToInt64(out.ContentLength),
		ModTime: aws.ToTime(out.LastModified),
	}, nil
}

func (s *S3Storage) ListFiles(root string) ([]chain.FileInfo, error) {
	prefix := s.folderPrefix(root)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var files []chain.FileInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(s.ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3 prefix %s: %w", root, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			files = append(files, chain.FileInfo{
				Path:    strings.TrimPrefix(key, prefix),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, root)
	}
	return files, nil
}

func (s *S3Storage) ListDirs(dir string) ([]string, error) {
	prefix := s.folderPrefix(dir)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var dirs []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(s.ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3 prefix %s: %w", dir, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name != "" {
				dirs = append(dirs, name)
			}
		}
	}
	return dirs, nil
}

// ValidateSetup verifies that the bucket is reachable with the configured credentials.
func (s *S3Storage) ValidateSetup() error {
	if _, err := s.client.HeadBucket(s.ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	}); err != nil {
		return fmt.Errorf("s3 bucket %s not accessible: %w", s.bucket, err)
	}
	return nil
}

// Compile-time check that S3Storage implements chain.Storage
var _ chain.Storage = (*S3Storage)(nil)
