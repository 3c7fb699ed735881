package main

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gurre/remexec/aws"
	"github.com/gurre/remexec/config"
	"github.com/gurre/remexec/retry"
	"github.com/gurre/remexec/store"
)

// buildStores constructs every named store pipeline from the config.
func buildStores(ctx context.Context, cfg *config.Config, clock clockwork.Clock, logger *zap.Logger) (map[string]store.Store, error) {
	stores := make(map[string]store.Store, len(cfg.Stores))
	for name, sc := range cfg.Stores {
		built, err := buildStore(ctx, &sc, clock, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build store %q: %w", name, err)
		}
		stores[name] = built
	}
	return stores, nil
}

func buildStore(ctx context.Context, sc *config.StoreConfig, clock clockwork.Clock, logger *zap.Logger) (store.Store, error) {
	switch {
	case sc.Memory != nil:
		return store.NewMemory(evictionPolicy(sc.Memory.EvictionPolicy), clock), nil

	case sc.Filesystem != nil:
		return store.NewFilesystem(
			sc.Filesystem.ContentPath,
			sc.Filesystem.TempPath,
			evictionPolicy(sc.Filesystem.EvictionPolicy),
			clock)

	case sc.S3 != nil:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(sc.S3.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := aws.NewS3Client(s3.NewFromConfig(awsCfg))
		return store.NewS3(client, store.S3StoreConfig{
			Bucket:    sc.S3.Bucket,
			KeyPrefix: sc.S3.KeyPrefix,
			Retry: retry.Config{
				MaxRetries: sc.S3.Retry.MaxRetries,
				Delay:      sc.S3.Retry.Delay,
				Jitter:     sc.S3.Retry.Jitter,
			},
			MaxConcurrentUploads: sc.S3.AdditionalMaxConcurrentRequests,
		}, logger), nil

	case sc.Compression != nil:
		backend, err := buildStore(ctx, sc.Compression.Backend, clock, logger)
		if err != nil {
			return nil, err
		}
		return store.NewCompression(backend, sc.Compression.BlockSize), nil

	case sc.Verify != nil:
		backend, err := buildStore(ctx, sc.Verify.Backend, clock, logger)
		if err != nil {
			return nil, err
		}
		return store.NewVerify(backend, sc.Verify.VerifySize, sc.Verify.VerifyHash), nil

	case sc.FastSlow != nil:
		fast, err := buildStore(ctx, sc.FastSlow.Fast, clock, logger)
		if err != nil {
			return nil, err
		}
		slow, err := buildStore(ctx, sc.FastSlow.Slow, clock, logger)
		if err != nil {
			return nil, err
		}
		return store.NewFastSlow(fast, slow), nil

	case sc.Dedup != nil:
		index, err := buildStore(ctx, sc.Dedup.IndexStore, clock, logger)
		if err != nil {
			return nil, err
		}
		content, err := buildStore(ctx, sc.Dedup.ContentStore, clock, logger)
		if err != nil {
			return nil, err
		}
		return store.NewDedup(index, content, store.DedupConfig{
			MinSize:                  sc.Dedup.MinSize,
			NormalSize:               sc.Dedup.NormalSize,
			MaxSize:                  sc.Dedup.MaxSize,
			MaxConcurrentFetchPerGet: sc.Dedup.MaxConcurrentFetchPerGet,
		}), nil

	case sc.Noop != nil:
		return store.NewNoop(), nil
	}
	return nil, fmt.Errorf("no store driver configured")
}

func evictionPolicy(c *config.EvictionPolicyConfig) store.EvictionPolicy {
	if c == nil {
		return store.EvictionPolicy{}
	}
	return store.EvictionPolicy{
		MaxBytes:   c.MaxBytes,
		MaxSeconds: c.MaxSeconds,
		MaxCount:   c.MaxCount,
	}
}
