package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	sferrors "github.com/simflow/simflow/pkg/errors"
)

// Outbox publishes a finished artifact where the external scheduler picks
// it up, and returns its location.
type Outbox interface {
	Publish(ctx context.Context, localPath string) (string, error)
}

// DirOutbox copies artifacts into a local directory.
type DirOutbox struct {
	Dir string
}

// Publish implements Outbox.
func (o DirOutbox) Publish(ctx context.Context, localPath string) (string, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", sferrors.Wrapf(err, sferrors.CodeUnknown, "open artifact %s", localPath)
	}
	defer src.Close()

	dst := filepath.Join(o.Dir, filepath.Base(localPath))
	err = writeAtomic(dst, func(f *os.File) error {
		_, err := io.Copy(f, src)
		return err
	})
	if err != nil {
		return "", sferrors.Wrapf(err, sferrors.CodeUnknown, "publish %s to %s", localPath, o.Dir)
	}
	return dst, nil
}

// S3Config configures the S3 outbox.
type S3Config struct {
	Bucket   string `yaml:"bucket" validate:"required"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
	// UsePathStyle is needed for MinIO and LocalStack.
	UsePathStyle    bool          `yaml:"use_path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UploadTimeout   time.Duration `yaml:"upload_timeout"`
}

// S3Outbox uploads artifacts to a bucket.
type S3Outbox struct {
	cfg    S3Config
	client *s3.Client
}

// NewS3Outbox builds a client from cfg, falling back to the default AWS
// credential chain when no static keys are given.
func NewS3Outbox(ctx context.Context, cfg S3Config) (*S3Outbox, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeInvalidConfig, "load AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}
	return &S3Outbox{cfg: cfg, client: client}, nil
}

// Key returns the object key for a local artifact.
func (o *S3Outbox) Key(localPath string) string {
	return path.Join(strings.Trim(o.cfg.Prefix, "/"), filepath.Base(localPath))
}

// Publish implements Outbox.
func (o *S3Outbox) Publish(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", sferrors.Wrapf(err, sferrors.CodeUnknown, "open artifact %s", localPath)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", sferrors.Wrapf(err, sferrors.CodeUnknown, "stat artifact %s", localPath)
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.UploadTimeout)
	defer cancel()

	key := o.Key(localPath)
	contentType := "text/csv"
	if FormatOf(localPath) == FormatParquet {
		contentType = "application/vnd.apache.parquet"
	}
	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(o.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", sferrors.Connection(err, "s3://"+o.cfg.Bucket)
	}
	return fmt.Sprintf("s3://%s/%s", o.cfg.Bucket, key), nil
}
