package s3

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/npezzotti/go-meetup/internal/storage"
)

// deleteBatch is the most keys a single DeleteObjects call accepts.
const deleteBatch = 1000

type Config struct {
	Region    string
	Bucket    string
	Endpoint  string
	PublicURL string
}

type Client struct {
	api       *s3.Client
	bucket    string
	region    string
	publicURL string
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Client{api: api, bucket: cfg.Bucket, region: cfg.Region, publicURL: cfg.PublicURL}, nil
}

func (c *Client) PutObject(ctx context.Context, in storage.UploadInput) (string, error) {
	params := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(in.Key),
		Body:   in.Body,
	}
	if in.ContentType != "" {
		params.ContentType = aws.String(in.ContentType)
	}
	if in.Size > 0 {
		params.ContentLength = aws.Int64(in.Size)
	}
	if _, err := c.api.PutObject(ctx, params); err != nil {
		return "", err
	}
	return c.objectURL(in.Key), nil
}

func (c *Client) DeleteObject(ctx context.Context, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	return err
}

func (c *Client) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var (
		batch   []s3types.ObjectIdentifier
		removed int
		errs    []error
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		out, err := c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.bucket),
			Delete: &s3types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			removed += len(batch) - len(out.Errors)
			for _, e := range out.Errors {
				errs = append(errs, fmt.Errorf("remove %s: %s", aws.ToString(e.Key), aws.ToString(e.Message)))
			}
		}
		batch = nil
	}

	pages := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", prefix, err))
			break
		}
		for _, obj := range page.Contents {
			batch = append(batch, s3types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == deleteBatch {
				flush()
			}
		}
	}
	flush()
	return removed, errors.Join(errs...)
}

func (c *Client) objectURL(key string) string {
	key = strings.TrimLeft(key, "/")
	if c.publicURL != "" {
		return fmt.Sprintf("%s/%s", strings.TrimRight(c.publicURL, "/"), key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", c.bucket, c.region, key)
}

var _ storage.Service = (*Client)(nil)
