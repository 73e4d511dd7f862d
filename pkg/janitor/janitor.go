// Package janitor keeps the local archive tier under a size limit by
// evicting the least recently accessed archives.
package janitor

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

type fileEntry interface {
	Name() string
	Size() int64
	IsDir() bool
	AccessTime() time.Time
}

type fileSystem interface {
	Walk(root string, fn func(path string, info fileEntry, err error) error) error
	Remove(path string) error
}

type stdFileSystem struct{}

type stdFileEntry struct {
	info os.FileInfo
}

func (e *stdFileEntry) Name() string { return e.info.Name() }
func (e *stdFileEntry) Size() int64  { return e.info.Size() }
func (e *stdFileEntry) IsDir() bool  { return e.info.IsDir() }
func (e *stdFileEntry) AccessTime() time.Time {
	atime := e.info.ModTime()
	if stat, ok := e.info.Sys().(*syscall.Stat_t); ok {
		atime = time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
	}
	return atime
}

func (fs *stdFileSystem) Walk(root string, fn func(path string, info fileEntry, err error) error) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		var entry fileEntry
		if info != nil {
			entry = &stdFileEntry{info: info}
		}
		return fn(path, entry, err)
	})
}

func (fs *stdFileSystem) Remove(path string) error {
	return os.Remove(path)
}

// Stats describes one cleanup pass.
type Stats struct {
	Files      int
	TotalBytes int64
	Removed    int
	FreedBytes int64
}

type Janitor struct {
	rootDir string
	maxSize int64
	// Archives accessed within minAge are never evicted.
	minAge time.Duration
	now    func() time.Time
	mu     sync.Mutex
	fs     fileSystem
	logger *slog.Logger
}

// New returns a Janitor for rootDir. A maxSize of zero or less disables
// eviction.
func New(rootDir string, maxSize int64) *Janitor {
	return &Janitor{
		rootDir: rootDir,
		maxSize: maxSize,
		minAge:  time.Minute,
		now:     time.Now,
		fs:      &stdFileSystem{},
		logger:  slog.Default().With("component", "janitor", "dir", rootDir),
	}
}

type fileInfo struct {
	path  string
	entry fileEntry
}

// Cleanup removes the oldest archives until the tier fits in maxSize.
// In-flight temporary files are neither counted nor removed.
func (j *Janitor) Cleanup(ctx context.Context) (Stats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var stats Stats
	if j.maxSize <= 0 {
		return stats, nil
	}

	var files []fileInfo
	err := j.fs.Walk(j.rootDir, func(path string, info fileEntry, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(info.Name(), ".tmp") {
			return nil
		}
		files = append(files, fileInfo{path: path, entry: info})
		stats.TotalBytes += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return stats, nil
	}
	if err != nil {
		return stats, err
	}
	stats.Files = len(files)

	if stats.TotalBytes <= j.maxSize {
		return stats, nil
	}

	// Sort by atime (oldest first)
	sort.Slice(files, func(i, k int) bool {
		return files[i].entry.AccessTime().Before(files[k].entry.AccessTime())
	})

	size := stats.TotalBytes
	cutoff := j.now().Add(-j.minAge)
	for _, f := range files {
		if size <= j.maxSize || ctx.Err() != nil {
			break
		}
		if f.entry.AccessTime().After(cutoff) {
			break
		}
		if err := j.fs.Remove(f.path); err != nil {
			j.logger.Warn("failed to evict archive", "path", f.path, "error", err)
			continue
		}
		size -= f.entry.Size()
		stats.Removed++
		stats.FreedBytes += f.entry.Size()
	}

	if size > j.maxSize {
		j.logger.Warn("local tier still over limit", "size", size, "max", j.maxSize)
	}
	return stats, ctx.Err()
}
