package storage

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/client"
	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/colinrgodsey/msacache/pkg/config"
)

// RemoteStore keeps named blobs in a Bazel Remote Execution API cache.
//
// The CAS is addressed by content, so names are layered on top with the
// action cache: the action digest is the digest of the blob name and its
// ActionResult lists a single output file, named after the blob, whose
// digest points at the archive in the CAS. The bucket is used as the
// instance name.
type RemoteStore struct {
	c           *client.Client
	compression string
	logger      *slog.Logger
}

func NewRemoteStore(ctx context.Context, cfg config.BackendConfig, bucket string) (*RemoteStore, error) {
	if cfg.Target == "" {
		return nil, errors.New("storage: reapi backend requires a target")
	}

	var creds credentials.TransportCredentials
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	dialAddr := strings.TrimPrefix(cfg.Target, "grpc://")
	conn, err := grpc.NewClient(dialAddr,
		grpc.WithTransportCredentials(creds),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", dialAddr, err)
	}

	c, err := client.NewClientFromConnection(ctx, bucket, conn, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &RemoteStore{
		c:           c,
		compression: cfg.Compression,
		logger:      slog.Default().With("component", "remotestore", "instance", bucket),
	}, nil
}

func (s *RemoteStore) Close() error {
	return s.c.Close()
}

// actionDigest is the action cache key for a blob name.
func actionDigest(name string) digest.Digest {
	return digest.NewFromBlob([]byte(name))
}

// lookup resolves name to the CAS digest of its content.
func (s *RemoteStore) lookup(ctx context.Context, name string) (digest.Digest, error) {
	if err := ValidateName(name); err != nil {
		return digest.Digest{}, err
	}
	ar, err := s.c.GetActionResult(ctx, &repb.GetActionResultRequest{
		InstanceName: s.c.InstanceName,
		ActionDigest: actionDigest(name).ToProto(),
	})
	if status.Code(err) == codes.NotFound {
		return digest.Digest{}, fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	if err != nil {
		return digest.Digest{}, err
	}
	for _, f := range ar.GetOutputFiles() {
		if f.GetPath() == name {
			return digest.NewFromProto(f.GetDigest())
		}
	}
	return digest.Digest{}, fmt.Errorf("%s: action result has no output file: %w", name, os.ErrNotExist)
}

func (s *RemoteStore) Has(ctx context.Context, name string) (bool, error) {
	d, err := s.lookup(ctx, name)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// The CAS may have evicted the content while the action entry survived.
	missing, err := s.c.MissingBlobs(ctx, []digest.Digest{d})
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

type readCloserWrapper struct {
	io.Reader
	io.Closer
}

func (s *RemoteStore) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	d, err := s.lookup(ctx, name)
	if err != nil {
		return nil, err
	}

	var resourceName string
	if s.compression == "zstd" {
		resourceName, err = s.c.ResourceName("compressed-blobs/zstd", d.Hash, fmt.Sprintf("%d", d.Size))
	} else {
		resourceName, err = s.c.ResourceName("blobs", d.Hash, fmt.Sprintf("%d", d.Size))
	}
	if err != nil {
		return nil, err
	}

	stream, err := s.c.Read(ctx, &bytestream.ReadRequest{
		ResourceName: resourceName,
	})
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		for {
			resp, err := stream.Recv()
			if err == io.EOF {
				return
			}
			if err != nil {
				if status.Code(err) == codes.NotFound {
					err = fmt.Errorf("%s: %w", name, os.ErrNotExist)
				}
				pw.CloseWithError(err)
				return
			}
			if _, err := pw.Write(resp.Data); err != nil {
				// Reader closed or error
				return
			}
		}
	}()

	if s.compression == "zstd" {
		decoder, err := zstd.NewReader(pr)
		if err != nil {
			pr.Close()
			return nil, err
		}
		return &readCloserWrapper{Reader: decoder, Closer: closerFunc(func() error {
			decoder.Close()
			return pr.Close()
		})}, nil
	}

	return pr, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Put spools data to a temporary file to learn its digest, then uploads it.
func (s *RemoteStore) Put(ctx context.Context, name string, data io.Reader) error {
	f, err := os.CreateTemp("", "msacache-put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), data)
	if err != nil {
		return fmt.Errorf("failed to spool data: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	d := digest.Digest{Hash: hex.EncodeToString(h.Sum(nil)), Size: n}
	return s.put(ctx, name, d, f)
}

func (s *RemoteStore) PutFile(ctx context.Context, name string, path string) error {
	d, err := digest.NewFromFile(path)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return s.put(ctx, name, d, f)
}

func (s *RemoteStore) put(ctx context.Context, name string, d digest.Digest, data io.Reader) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	missing, err := s.c.MissingBlobs(ctx, []digest.Digest{d})
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		if err := s.writeBlob(ctx, d, data); err != nil {
			return fmt.Errorf("failed to write blob %s: %w", d, err)
		}
	} else {
		s.logger.Debug("content already in CAS", "name", name, "digest", d.String())
	}

	_, err = s.c.UpdateActionResult(ctx, &repb.UpdateActionResultRequest{
		InstanceName: s.c.InstanceName,
		ActionDigest: actionDigest(name).ToProto(),
		ActionResult: &repb.ActionResult{
			OutputFiles: []*repb.OutputFile{{Path: name, Digest: d.ToProto()}},
		},
	})
	return err
}

func (s *RemoteStore) writeBlob(ctx context.Context, d digest.Digest, data io.Reader) error {
	var resourceName string
	var err error

	if s.compression == "zstd" {
		// Use manual resource name construction for compressed uploads
		prefix := "uploads/" + uuid.New().String() + "/compressed-blobs/zstd"
		resourceName, err = s.c.ResourceName(prefix, d.Hash, fmt.Sprintf("%d", d.Size))
	} else {
		resourceName, err = s.c.ResourceNameWrite(d.Hash, d.Size)
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := s.c.Write(ctx)
	if err != nil {
		return err
	}

	// Prepare data stream
	var readerToConsume io.Reader = data

	if s.compression == "zstd" {
		pr, pw := io.Pipe()
		// Unblocks the compressor if we return before draining the pipe.
		defer pr.Close()

		// Run compressor in background
		go func() {
			enc, err := zstd.NewWriter(pw)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(enc, data); err != nil {
				enc.Close()
				pw.CloseWithError(err)
				return
			}
			if err := enc.Close(); err != nil {
				pw.CloseWithError(err)
				return
			}
			pw.Close()
		}()

		readerToConsume = pr
	}

	buf := make([]byte, 32*1024)
	var offset int64
	for {
		n, readErr := readerToConsume.Read(buf)
		if n > 0 {
			req := &bytestream.WriteRequest{
				ResourceName: resourceName,
				WriteOffset:  offset,
				Data:         buf[:n],
			}
			if offset > 0 {
				req.ResourceName = ""
			}

			if err := stream.Send(req); err != nil {
				return err
			}
			offset += int64(n)
		}

		if readErr == io.EOF {
			req := &bytestream.WriteRequest{
				WriteOffset: offset,
				FinishWrite: true,
			}
			if offset == 0 {
				req.ResourceName = resourceName
			}

			if err := stream.Send(req); err != nil {
				return err
			}
			_, err := stream.CloseAndRecv()
			return err
		}

		if readErr != nil {
			return readErr
		}
	}
}
