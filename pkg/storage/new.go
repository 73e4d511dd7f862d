package storage

import (
	"context"
	"fmt"

	"google.golang.org/api/option"

	"github.com/colinrgodsey/msacache/pkg/config"
)

// New builds the store selected by cfg.Backend.Type, bound to
// cfg.Cache.Bucket. Callers should release it with Close.
func New(ctx context.Context, cfg *config.Config) (BlobStore, error) {
	bucket := cfg.Cache.Bucket
	if bucket == "" {
		bucket = config.DefaultBucket
	}

	switch cfg.Backend.Type {
	case config.BackendGCS, "":
		var opts []option.ClientOption
		if cfg.Backend.Project != "" {
			opts = append(opts, option.WithQuotaProject(cfg.Backend.Project))
		}
		return NewGCSStore(ctx, bucket, opts...)
	case config.BackendREAPI:
		return NewRemoteStore(ctx, cfg.Backend, bucket)
	case config.BackendLocal:
		return NewLocalStore(cfg.Backend.LocalDir, bucket)
	case config.BackendNull:
		return NewNullStore(), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend type %q", cfg.Backend.Type)
	}
}
