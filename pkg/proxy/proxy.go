// Package proxy puts a local disk tier in front of a remote BlobStore, so
// hosts that run many predictions reuse archives they already downloaded.
package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/colinrgodsey/msacache/pkg/config"
	"github.com/colinrgodsey/msacache/pkg/storage"
)

type ProxyStore struct {
	local  *storage.LocalStore
	remote storage.BlobStore // Tier 2, authoritative
	group  singleflight.Group
	tracer trace.Tracer
	logger *slog.Logger
}

func NewProxyStore(local *storage.LocalStore, remote storage.BlobStore) *ProxyStore {
	return &ProxyStore{
		local:  local,
		remote: remote,
		tracer: otel.Tracer("msacache/pkg/proxy"),
		logger: slog.Default().With("component", "proxy"),
	}
}

// Wrap returns remote behind a local tier when cfg.LocalTierDir is set and
// remote unchanged otherwise. Wrap owns remote: it is closed when the tier
// cannot be opened.
func Wrap(cfg config.BackendConfig, bucket string, remote storage.BlobStore) (storage.BlobStore, error) {
	if cfg.LocalTierDir == "" {
		return remote, nil
	}
	local, err := storage.NewLocalStore(cfg.LocalTierDir, bucket)
	if err != nil {
		storage.Close(remote)
		return nil, err
	}
	return NewProxyStore(local, remote), nil
}

func (p *ProxyStore) Close() error {
	return storage.Close(p.remote)
}

// Has always asks the remote. A local copy does not prove the remote still
// holds the blob.
func (p *ProxyStore) Has(ctx context.Context, name string) (bool, error) {
	ctx, span := p.tracer.Start(ctx, "proxy.Has", trace.WithAttributes(
		attribute.String("blob.name", name),
	))
	defer span.End()

	found, err := p.remote.Has(ctx, name)
	span.SetAttributes(attribute.Bool("remote.found", found))
	if err != nil {
		span.RecordError(err)
	}
	return found, err
}

func (p *ProxyStore) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	ctx, span := p.tracer.Start(ctx, "proxy.Get", trace.WithAttributes(
		attribute.String("blob.name", name),
	))
	defer span.End()

	// 1. Check local
	if ok, _ := p.local.Has(ctx, name); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return p.local.Get(ctx, name)
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	// 2. Singleflight fetch from remote
	_, err, _ := p.group.Do(name, func() (interface{}, error) {
		ctx, span := p.tracer.Start(ctx, "proxy.Get.RemoteFetch")
		defer span.End()

		rc, err := p.remote.Get(ctx, name)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		defer rc.Close()

		// Stream to local
		if err := p.local.Put(ctx, name, rc); err != nil {
			span.RecordError(err)
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// 3. Return local handle
	return p.local.Get(ctx, name)
}

// Put writes through: local first, then remote. If the remote write fails
// the local copy is dropped again.
func (p *ProxyStore) Put(ctx context.Context, name string, data io.Reader) error {
	ctx, span := p.tracer.Start(ctx, "proxy.Put", trace.WithAttributes(
		attribute.String("blob.name", name),
	))
	defer span.End()

	if err := p.local.Put(ctx, name, data); err != nil {
		span.RecordError(err)
		return err
	}

	// Read back
	rc, err := p.local.Get(ctx, name)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer rc.Close()

	if err := p.remote.Put(ctx, name, rc); err != nil {
		span.RecordError(err)
		p.evict(name)
		return err
	}
	return nil
}

func (p *ProxyStore) PutFile(ctx context.Context, name string, path string) error {
	ctx, span := p.tracer.Start(ctx, "proxy.PutFile", trace.WithAttributes(
		attribute.String("blob.name", name),
	))
	defer span.End()

	if err := p.local.PutFile(ctx, name, path); err != nil {
		span.RecordError(err)
		return err
	}

	var err error
	if fu, ok := p.remote.(storage.FileUploader); ok {
		err = fu.PutFile(ctx, name, path)
	} else {
		var f *os.File
		if f, err = os.Open(path); err == nil {
			err = p.remote.Put(ctx, name, f)
			f.Close()
		}
	}
	if err != nil {
		span.RecordError(err)
		p.evict(name)
	}
	return err
}

func (p *ProxyStore) evict(name string) {
	path, err := p.local.BlobPath(name)
	if err != nil {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("failed to drop local copy", "name", name, "error", err)
	}
}
