package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/colinrgodsey/msacache/pkg/msacache"
	"github.com/colinrgodsey/msacache/pkg/storage"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	prevOut, prevLogger := logOutput, slog.Default()
	logOutput = io.Discard
	t.Cleanup(func() {
		logOutput = prevOut
		slog.SetDefault(prevLogger)
	})

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestKeyCommand(t *testing.T) {
	t.Chdir(t.TempDir())

	out, err := runCmd(t, "key", "MKT", "--params", "p1")
	if err != nil {
		t.Fatalf("key failed: %v", err)
	}
	if strings.TrimSpace(out) != msacache.Key("MKT", "p1") {
		t.Errorf("Unexpected output %q", out)
	}

	fastaPath := filepath.Join(t.TempDir(), "in.fasta")
	os.WriteFile(fastaPath, []byte(">x\nMKT\n>y\nGSH\n"), 0644)
	out, err = runCmd(t, "key", "--fasta", fastaPath)
	if err != nil {
		t.Fatalf("key --fasta failed: %v", err)
	}
	want := "A\t" + msacache.Key("MKT", "") + "\nB\t" + msacache.Key("GSH", "") + "\n"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestPreloadStoreCommands(t *testing.T) {
	t.Chdir(t.TempDir())
	cacheDir := t.TempDir()
	common := []string{"--backend", "local", "--local-dir", cacheDir, "--bucket", "test_cache"}

	fastaPath := filepath.Join(t.TempDir(), "in.fasta")
	os.WriteFile(fastaPath, []byte(">heavy\nEVQLVESGG\n"), 0644)

	first := filepath.Join(t.TempDir(), "msas")
	if _, err := runCmd(t, append([]string{"preload", fastaPath, first}, common...)...); err != nil {
		t.Fatalf("preload failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(first, "chain_id_map.json")); err != nil {
		t.Fatalf("Expected chain map: %v", err)
	}

	os.MkdirAll(filepath.Join(first, "A"), 0755)
	os.WriteFile(filepath.Join(first, "A", "uniref90_hits.sto"), []byte("# STOCKHOLM 1.0\n"), 0644)

	if _, err := runCmd(t, append([]string{"store", first}, common...)...); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	second := filepath.Join(t.TempDir(), "msas")
	if _, err := runCmd(t, append([]string{"preload", fastaPath, second}, common...)...); err != nil {
		t.Fatalf("second preload failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(second, "A", "uniref90_hits.sto"))
	if err != nil || string(data) != "# STOCKHOLM 1.0\n" {
		t.Errorf("Expected cached MSA in fresh directory, got %q, %v", data, err)
	}
}

func TestLocalTier(t *testing.T) {
	t.Chdir(t.TempDir())
	cacheDir, tierDir := t.TempDir(), t.TempDir()
	common := []string{"--backend", "local", "--local-dir", cacheDir, "--bucket", "tiered", "--local-tier-dir", tierDir}

	fastaPath := filepath.Join(t.TempDir(), "in.fasta")
	os.WriteFile(fastaPath, []byte(">heavy\nEVQLVESGG\n"), 0644)

	first := filepath.Join(t.TempDir(), "msas")
	if _, err := runCmd(t, append([]string{"preload", fastaPath, first}, common...)...); err != nil {
		t.Fatalf("preload failed: %v", err)
	}
	os.MkdirAll(filepath.Join(first, "A"), 0755)
	os.WriteFile(filepath.Join(first, "A", "bfd_hits.a3m"), []byte(">q\nEVQLVESGG\n"), 0644)
	if _, err := runCmd(t, append([]string{"store", first}, common...)...); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	second := filepath.Join(t.TempDir(), "msas")
	if _, err := runCmd(t, append([]string{"preload", fastaPath, second}, common...)...); err != nil {
		t.Fatalf("second preload failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(second, "A", "bfd_hits.a3m")); err != nil {
		t.Errorf("Expected cached MSA in fresh directory: %v", err)
	}

	// Losing the remote entry makes the next store upload again, even
	// though the tier still holds a copy.
	if err := os.RemoveAll(filepath.Join(cacheDir, "tiered")); err != nil {
		t.Fatal(err)
	}
	if _, err := runCmd(t, append([]string{"store", first}, common...)...); err != nil {
		t.Fatalf("store after remote loss failed: %v", err)
	}
	remote, err := storage.NewLocalStore(cacheDir, "tiered")
	if err != nil {
		t.Fatal(err)
	}
	name := msacache.BlobName(msacache.Key("EVQLVESGG", ""))
	if has, _ := remote.Has(context.Background(), name); !has {
		t.Error("Expected store to re-upload the archive lost by the remote")
	}
}

func TestStrictStore(t *testing.T) {
	t.Chdir(t.TempDir())
	out := t.TempDir()
	os.WriteFile(filepath.Join(out, "chain_id_map.json"), []byte(`{"A": {"description": "", "sequence": "MKT"}}`), 0644)
	// No A/ directory, so archiving fails.

	common := []string{"store", out, "--backend", "local", "--local-dir", t.TempDir()}
	if _, err := runCmd(t, common...); err != nil {
		t.Errorf("Expected non-strict store to succeed, got %v", err)
	}
	if _, err := runCmd(t, append(common, "--strict")...); !errors.Is(err, errChainsFailed) {
		t.Errorf("Expected errChainsFailed, got %v", err)
	}
}

func TestStore_MissingMap(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := runCmd(t, "store", t.TempDir(), "--backend", "null")
	if !errors.Is(err, msacache.ErrPersistence) {
		t.Errorf("Expected ErrPersistence, got %v", err)
	}
}
