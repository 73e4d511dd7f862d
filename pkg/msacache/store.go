package msacache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/colinrgodsey/msacache/pkg/archive"
	"github.com/colinrgodsey/msacache/pkg/chainmap"
)

func (c *Client) storeChain(ctx context.Context, outputDir, id string, chain chainmap.Chain) ChainResult {
	key := c.Key(chain.Sequence)
	name := BlobName(key)
	ctx, span := c.startSpan(ctx, "msacache.store", id, key)
	defer span.End()

	logger := c.logger.With("chain_id", id, "blob", name)

	has, err := c.store.Has(ctx, name)
	if err != nil {
		logger.Error("failed to check cache", "error", err)
		return recordResult(span, failed(id, key, "exists", ErrTransfer, err))
	}
	if has {
		logger.Info("MSA already exists in the cache, skipping upload")
		return recordResult(span, ChainResult{ChainID: id, Key: key, Outcome: OutcomePresent})
	}

	localPath := filepath.Join(outputDir, id)
	archivePath := filepath.Join(outputDir, id+ArchiveExt)

	// Chains with identical sequences share a key; only one of them uploads.
	// The check is repeated inside the flight because a chain sharing this
	// key may have finished its upload after our first check.
	uploaded := false
	_, err, _ = c.group.Do(name, func() (any, error) {
		has, err := c.store.Has(ctx, name)
		if err != nil {
			return nil, &stepError{op: "exists", kind: ErrTransfer, err: err}
		}
		if has {
			return nil, nil
		}
		uploaded = true
		return nil, c.archiveAndUpload(ctx, name, localPath, archivePath)
	})
	if err != nil {
		logger.Error("failed to store MSA", "error", err)
		var step *stepError
		if errors.As(err, &step) {
			return recordResult(span, failed(id, key, step.op, step.kind, step.err))
		}
		return recordResult(span, failed(id, key, "upload", ErrTransfer, err))
	}
	if !uploaded {
		logger.Info("MSA uploaded by another chain with the same key, skipping upload")
		return recordResult(span, ChainResult{ChainID: id, Key: key, Outcome: OutcomePresent})
	}

	logger.Info("Uploaded zipped MSA", "from", localPath, "to", name)
	return recordResult(span, ChainResult{ChainID: id, Key: key, Outcome: OutcomeUploaded})
}

func (c *Client) archiveAndUpload(ctx context.Context, name, localPath, archivePath string) error {
	if err := archive.ZipDir(localPath, archivePath); err != nil {
		return &stepError{op: "archive", kind: ErrArchive, err: err}
	}
	if !c.keepArchives {
		defer os.Remove(archivePath)
	}

	var size int64
	if info, err := os.Stat(archivePath); err == nil {
		size = info.Size()
	}

	start := time.Now()
	if err := c.upload(ctx, name, archivePath); err != nil {
		return &stepError{op: "upload", kind: ErrTransfer, err: err}
	}
	c.metrics.Transfer("upload", size, time.Since(start))
	return nil
}

// stepError carries the failing step out of the shared upload so every
// chain waiting on it can report its own ChainError.
type stepError struct {
	op   string
	kind error
	err  error
}

func (e *stepError) Error() string { return e.op + ": " + e.err.Error() }
