package msacache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/colinrgodsey/msacache/pkg/archive"
	"github.com/colinrgodsey/msacache/pkg/chainmap"
)

func (c *Client) fetchChain(ctx context.Context, outputDir, id string, chain chainmap.Chain) ChainResult {
	key := c.Key(chain.Sequence)
	name := BlobName(key)
	ctx, span := c.startSpan(ctx, "msacache.fetch", id, key)
	defer span.End()

	logger := c.logger.With("chain_id", id, "blob", name)

	has, err := c.store.Has(ctx, name)
	if err != nil {
		logger.Error("failed to check cache", "error", err)
		return recordResult(span, failed(id, key, "exists", ErrTransfer, err))
	}
	if !has {
		logger.Info("No precomputed MSA in cache")
		return recordResult(span, ChainResult{ChainID: id, Key: key, Outcome: OutcomeMiss})
	}

	archivePath := filepath.Join(outputDir, id+ArchiveExt)
	localPath := filepath.Join(outputDir, id)

	start := time.Now()
	size, err := c.download(ctx, name, archivePath)
	if err != nil {
		os.Remove(archivePath)
		logger.Error("failed to download MSA", "error", err)
		return recordResult(span, failed(id, key, "download", ErrTransfer, err))
	}
	c.metrics.Transfer("download", size, time.Since(start))

	logger.Info("Loading precomputed MSA", "from", name, "to", localPath, "bytes", size)
	err = extractInto(archivePath, localPath)
	os.Remove(archivePath)
	if err != nil {
		logger.Error("failed to extract MSA", "error", err)
		return recordResult(span, failed(id, key, "extract", ErrArchive, err))
	}

	return recordResult(span, ChainResult{ChainID: id, Key: key, Outcome: OutcomeHit})
}

// extractInto unpacks the archive next to localPath and then swaps it into
// place. A failed extraction leaves localPath as it was.
func extractInto(archivePath, localPath string) error {
	staging, err := os.MkdirTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".extract-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if err := archive.Unzip(archivePath, staging); err != nil {
		return err
	}
	if err := os.RemoveAll(localPath); err != nil {
		return fmt.Errorf("failed to replace %s: %w", localPath, err)
	}
	if err := os.Rename(staging, localPath); err != nil {
		return fmt.Errorf("failed to move extracted MSA into place: %w", err)
	}
	return nil
}
