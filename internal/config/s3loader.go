package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/jmylchreest/chatgate/internal/pricing"
)

// NewS3Client builds a client for an S3-compatible bucket (Tigris, MinIO, AWS).
func NewS3Client(ctx context.Context, sc StorageConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(sc.Region),
	}
	if sc.AccessKey != "" && sc.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(sc.AccessKey, sc.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if sc.Endpoint != "" {
			o.BaseEndpoint = aws.String(sc.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// LoadPricing loads the pricing catalog once: from PricingFile if set, else
// from the storage bucket if configured, else the built-in table.
// A configured source that fails to load is an error, never a silent fallback.
func LoadPricing(ctx context.Context, cfg *Config, getter pricing.ObjectGetter, logger *slog.Logger) (*pricing.Catalog, error) {
	var (
		catalog *pricing.Catalog
		source  string
		err     error
	)

	switch {
	case cfg.PricingFile != "":
		source = cfg.PricingFile
		catalog, err = pricing.LoadFile(cfg.PricingFile)
	case cfg.Storage.Enabled() && getter != nil:
		source = "s3://" + cfg.Storage.Bucket + "/" + cfg.PricingKey
		catalog, err = pricing.LoadS3(ctx, getter, cfg.Storage.Bucket, cfg.PricingKey)
	default:
		source = "builtin"
		catalog = pricing.DefaultCatalog()
	}
	if err != nil {
		return nil, err
	}

	if cfg.FreeModelID != "" && cfg.FreeModelID != catalog.FreeModelID() {
		catalog, err = pricing.NewCatalog(catalog.Version(), cfg.FreeModelID, catalog.Models())
		if err != nil {
			return nil, fmt.Errorf("FREE_MODEL_ID: %w", err)
		}
	}

	logger.Info("pricing catalog loaded",
		"source", source,
		"version", catalog.Version(),
		"models", len(catalog.Models()),
		"free_model", catalog.FreeModelID(),
	)
	return catalog, nil
}
