// Package msacache caches per-chain MSA directories in a remote blob store,
// keyed by a hash of the chain sequence and the MSA generation parameters.
//
// A run calls Preload before computing MSAs, so chains whose alignments are
// already cached can be skipped, and Store afterwards to publish the ones it
// computed. The two calls may happen in different processes; they share
// state through chain_id_map.json in the output directory.
package msacache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/colinrgodsey/msacache/pkg/chainmap"
	"github.com/colinrgodsey/msacache/pkg/config"
	"github.com/colinrgodsey/msacache/pkg/fasta"
	"github.com/colinrgodsey/msacache/pkg/storage"
	"github.com/colinrgodsey/msacache/pkg/telemetry"
)

const defaultRetryDelay = 500 * time.Millisecond

// Client fetches and stores MSA archives for one bucket and one set of
// generation parameters.
type Client struct {
	store        storage.BlobStore
	params       string
	concurrency  int
	keepArchives bool
	putRetries   int
	retryDelay   time.Duration
	metrics      *telemetry.Metrics
	group        singleflight.Group
	tracer       trace.Tracer
	logger       *slog.Logger
}

// NewClient wraps store, which must already be bound to cfg.Bucket.
// metrics may be nil.
func NewClient(cfg config.CacheConfig, store storage.BlobStore, metrics *telemetry.Metrics) *Client {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	retries := cfg.PutRetries
	if retries < 0 {
		retries = 0
	}

	return &Client{
		store:        store,
		params:       cfg.GenParams,
		concurrency:  concurrency,
		keepArchives: cfg.KeepArchives,
		putRetries:   retries,
		retryDelay:   defaultRetryDelay,
		metrics:      metrics,
		tracer:       otel.Tracer("msacache/pkg/msacache"),
		logger:       slog.Default().With("component", "msacache", "bucket", cfg.Bucket),
	}
}

// Key returns the cache key of sequence under the client's parameters.
func (c *Client) Key(sequence string) string {
	return Key(sequence, c.params)
}

// Preload parses the FASTA input, records its chains in outputDir and
// downloads every chain that is already cached into outputDir/<chain_id>.
//
// The returned error is non-nil only when the input cannot be read or the
// chain map cannot be written; per-chain failures are in the Report.
func (c *Client) Preload(ctx context.Context, fastaPath, outputDir string) (*Report, error) {
	records, err := fasta.ParseFile(fastaPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInput, fastaPath, err)
	}
	m, err := chainmap.FromRecords(records)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInput, fastaPath, err)
	}
	return c.PreloadChains(ctx, m, outputDir)
}

// PreloadChains is Preload for a chain map that was built elsewhere.
func (c *Client) PreloadChains(ctx context.Context, m chainmap.Map, outputDir string) (*Report, error) {
	if err := chainmap.Write(outputDir, m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return c.forEachChain(ctx, "preload", m, func(ctx context.Context, id string, chain chainmap.Chain) ChainResult {
		return c.fetchChain(ctx, outputDir, id, chain)
	}), nil
}

// Store reloads the chain map from outputDir and uploads every chain
// directory whose key is not cached yet.
func (c *Client) Store(ctx context.Context, outputDir string) (*Report, error) {
	m, err := chainmap.Read(outputDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return c.forEachChain(ctx, "store", m, func(ctx context.Context, id string, chain chainmap.Chain) ChainResult {
		return c.storeChain(ctx, outputDir, id, chain)
	}), nil
}

type chainFunc func(ctx context.Context, id string, chain chainmap.Chain) ChainResult

// forEachChain runs fn for every chain, at most c.concurrency at a time.
// Failures never stop the other chains.
func (c *Client) forEachChain(ctx context.Context, op string, m chainmap.Map, fn chainFunc) *Report {
	ids := m.IDs()
	report := &Report{Op: op, Results: make([]ChainResult, len(ids))}

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			chain := m[id]
			if err := ctx.Err(); err != nil {
				key := c.Key(chain.Sequence)
				report.Results[i] = failed(id, key, "start", ErrTransfer, err)
			} else {
				report.Results[i] = fn(ctx, id, chain)
			}
			c.metrics.ChainOutcome(op, string(report.Results[i].Outcome))
			return nil
		})
	}
	g.Wait()

	if failedIDs := report.Failed(); len(failedIDs) > 0 {
		c.logger.Warn("some chains failed", "op", op, "failed", failedIDs, "total", len(ids))
	}
	return report
}

func failed(id, key, op string, kind, err error) ChainResult {
	return ChainResult{
		ChainID: id,
		Key:     key,
		Outcome: OutcomeFailed,
		Err:     &ChainError{ChainID: id, Key: key, Op: op, Kind: kind, Err: err},
	}
}

func (c *Client) startSpan(ctx context.Context, name, id, key string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("chain.id", id),
		attribute.String("cache.key", key),
	))
}

func recordResult(span trace.Span, res ChainResult) ChainResult {
	span.SetAttributes(attribute.String("cache.outcome", string(res.Outcome)))
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	return res
}

// download copies the named blob to path and returns its size.
func (c *Client) download(ctx context.Context, name, path string) (int64, error) {
	rc, err := c.store.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// upload sends the archive at path, retrying transient failures.
func (c *Client) upload(ctx context.Context, name, path string) error {
	var err error
	for attempt := 0; attempt <= c.putRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying upload", "blob", name, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * c.retryDelay):
			}
		}
		if err = c.putFile(ctx, name, path); err == nil || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (c *Client) putFile(ctx context.Context, name, path string) error {
	if fu, ok := c.store.(storage.FileUploader); ok {
		return fu.PutFile(ctx, name, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return c.store.Put(ctx, name, f)
}
