package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"dbsnap/internal/config"
	"dbsnap/internal/verify"
)

type ObjectInfo struct {
	Size   int64
	Blake3 string
}

// Backend stores archive bundles off the host, keyed by bundle file name.
type Backend interface {
	Upload(ctx context.Context, localPath, name, checksumHash string) error
	Download(ctx context.Context, name, localPath string) error
	Head(ctx context.Context, name string) (*ObjectInfo, error)
	VerifyCredentials(ctx context.Context) error
}

type S3 struct {
	client       *s3.Client
	uploader     *manager.Uploader
	bucket       string
	prefix       string
	storageClass types.StorageClass
	logger       *slog.Logger
}

func NewS3(ctx context.Context, cfg config.S3Config, maxRetryAttempts int, logger *slog.Logger) (*S3, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StorageClass == "" {
		return nil, fmt.Errorf("storage class must be specified")
	}

	var configOpts []func(*awsconfig.LoadOptions) error
	configOpts = append(configOpts, awsconfig.WithRegion(cfg.Region))
	if maxRetryAttempts > 0 {
		configOpts = append(configOpts,
			awsconfig.WithRetryMaxAttempts(maxRetryAttempts),
			awsconfig.WithRetryMode(aws.RetryModeStandard),
		)
		logger.Debug("Configured S3 retry strategy", "mode", "standard", "maxAttempts", maxRetryAttempts)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		if accessKey := os.Getenv("AWS_ACCESS_KEY_ID"); accessKey != "" {
			if secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY"); secretKey != "" {
				awsCfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
			}
		}
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
		logger.Info("S3 client initialized with custom endpoint", "endpoint", cfg.Endpoint)
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 64 * 1024 * 1024
		u.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenSupported
	})

	return &S3{
		client:       client,
		uploader:     uploader,
		bucket:       cfg.Bucket,
		prefix:       cfg.Prefix,
		storageClass: cfg.StorageClass,
		logger:       logger,
	}, nil
}

func (s *S3) key(name string) string {
	return path.Join(s.prefix, name)
}

func (s *S3) Upload(ctx context.Context, localPath, name, checksumHash string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	key := s.key(name)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         file,
		StorageClass: s.storageClass,
		Tagging:      aws.String("dbsnap-kind=bundle"),
		Metadata:     map[string]string{"blake3": checksumHash},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	s.logger.Info("Uploaded to S3", "bucket", s.bucket, "key", key, "storageClass", s.storageClass)
	return nil
}

func (s *S3) Download(ctx context.Context, name, localPath string) error {
	key := s.key(name)

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer file.Close()

	downloader := manager.NewDownloader(s.client)
	numBytes, err := downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to download from S3: %w", err)
	}

	s.logger.Info("Downloaded from S3", "bucket", s.bucket, "key", key, "bytes", numBytes)
	return nil
}

func (s *S3) Head(ctx context.Context, name string) (*ObjectInfo, error) {
	key := s.key(name)

	output, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to head object %s: %w", key, err)
	}

	info := &ObjectInfo{}
	if output.ContentLength != nil {
		info.Size = *output.ContentLength
	}
	if output.Metadata != nil {
		info.Blake3 = output.Metadata["blake3"]
	}
	return info, nil
}

func (s *S3) VerifyCredentials(ctx context.Context) error {
	s.logger.Info("Verifying AWS credentials and bucket access", "bucket", s.bucket)

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to verify AWS credentials or bucket access: %w", err)
	}

	s.logger.Info("AWS credentials verified successfully", "bucket", s.bucket)
	return nil
}

// ValidateStorageClass rejects classes whose objects cannot be downloaded
// without a prior restore request.
func ValidateStorageClass(storageClass string) error {
	if storageClass == "GLACIER" || storageClass == "DEEP_ARCHIVE" {
		return fmt.Errorf("storage class %s is not immediately accessible (requires restore)", storageClass)
	}
	return nil
}

// Offsite pushes published bundles to a Backend, skipping ones already
// stored with the same digest.
type Offsite struct {
	Backend Backend
	Logger  *slog.Logger
}

func (o *Offsite) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Push uploads localPath under its base name and checks the stored size.
func (o *Offsite) Push(ctx context.Context, localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	digest, err := verify.FileDigest(localPath)
	if err != nil {
		return fmt.Errorf("failed to hash bundle: %w", err)
	}
	name := path.Base(localPath)

	if existing, err := o.Backend.Head(ctx, name); err == nil && existing.Blake3 == digest && existing.Size == info.Size() {
		o.logger().Info("Bundle already stored offsite", "bundle", name)
		return nil
	}

	if err := o.Backend.Upload(ctx, localPath, name, digest); err != nil {
		return err
	}

	stored, err := o.Backend.Head(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to confirm offsite copy: %w", err)
	}
	if stored.Size != info.Size() {
		return fmt.Errorf("offsite copy of %s has %d bytes, expected %d", name, stored.Size, info.Size())
	}
	return nil
}

// Fetch downloads a bundle into localPath and checks its digest.
func (o *Offsite) Fetch(ctx context.Context, name, localPath string) error {
	info, err := o.Backend.Head(ctx, name)
	if err != nil {
		return err
	}
	if err := o.Backend.Download(ctx, name, localPath); err != nil {
		return err
	}
	if info.Blake3 == "" {
		return nil
	}
	digest, err := verify.FileDigest(localPath)
	if err != nil {
		return err
	}
	if digest != info.Blake3 {
		os.Remove(localPath)
		return fmt.Errorf("downloaded bundle %s: %w", name, verify.ErrMismatch)
	}
	return nil
}
