package design

import (
	"bytes"
	"context"
	"errors"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dd0wney/cluso-riskcap/pkg/metrics"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config locates the bucket. Static credentials are optional; without
// them the default AWS credential chain applies.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Store keeps design records as objects under a key prefix.
type S3Store struct {
	client  S3API
	bucket  string
	prefix  string
	metrics *metrics.Registry
}

// NewS3Client builds an S3 client from cfg.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, NewError("open").Backend("s3").Context("load aws config").Cause(err).Err()
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// NewS3Store wraps an S3 client.
func NewS3Store(client S3API, bucket, prefix string, reg *metrics.Registry) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), metrics: reg}
}

func (s *S3Store) key(id string) string {
	if s.prefix == "" {
		return id + ".json"
	}
	return path.Join(s.prefix, id+".json")
}

func (s *S3Store) Put(ctx context.Context, d *Design) (id string, err error) {
	defer func() { s.metrics.RecordStoreOperation("s3", "put", err) }()

	id = assignID(d)
	if err := validID(id); err != nil {
		return "", NewError("put").Backend("s3").Design(id).Cause(err).Err()
	}
	data, err := encode(d)
	if err != nil {
		return "", NewError("put").Backend("s3").Design(id).Cause(err).Err()
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(id)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", NewError("put").Backend("s3").Design(id).Context(s.key(id)).Cause(err).Err()
	}
	return id, nil
}

func (s *S3Store) Get(ctx context.Context, id string) (d *Design, err error) {
	defer func() { s.metrics.RecordStoreOperation("s3", "get", err) }()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, NotFoundError("get", "s3", id)
	}
	if err != nil {
		return nil, NewError("get").Backend("s3").Design(id).Context(s.key(id)).Cause(err).Err()
	}
	defer out.Body.Close()

	d, err = Load(out.Body)
	if err != nil {
		return nil, NewError("get").Backend("s3").Design(id).Context("decode").Cause(err).Err()
	}
	if d.ID == "" {
		d.ID = id
	}
	return d, nil
}

func (s *S3Store) List(ctx context.Context) ([]string, error) {
	prefix := ""
	if s.prefix != "" {
		prefix = s.prefix + "/"
	}
	var ids []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, NewError("list").Backend("s3").Context(s.bucket).Cause(err).Err()
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if strings.Contains(name, "/") || !strings.HasSuffix(name, ".json") {
				continue
			}
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the object. S3 does not report missing keys on delete, so
// deleting an unknown ID succeeds.
func (s *S3Store) Delete(ctx context.Context, id string) (err error) {
	defer func() { s.metrics.RecordStoreOperation("s3", "delete", err) }()

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return NewError("delete").Backend("s3").Design(id).Cause(err).Err()
	}
	return nil
}
