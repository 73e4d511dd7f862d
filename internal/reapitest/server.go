// Package reapitest runs an in-memory Remote Execution API cache for tests.
package reapitest

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// Server holds action results and blobs in memory. Blobs are stored exactly
// as received, so compressed uploads stay compressed.
type Server struct {
	repb.UnimplementedCapabilitiesServer
	repb.UnimplementedActionCacheServer
	repb.UnimplementedContentAddressableStorageServer
	bytestream.UnimplementedByteStreamServer

	mu      sync.Mutex
	actions map[string]*repb.ActionResult
	blobs   map[string][]byte // canonical resource name -> data

	writes      int
	blockWrites chan struct{}

	grpcServer *grpc.Server
	lis        net.Listener
}

// Start serves on a random localhost port until Stop is called.
func Start() (*Server, error) {
	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		actions:    map[string]*repb.ActionResult{},
		blobs:      map[string][]byte{},
		grpcServer: grpc.NewServer(),
		lis:        lis,
	}
	repb.RegisterCapabilitiesServer(s.grpcServer, s)
	repb.RegisterActionCacheServer(s.grpcServer, s)
	repb.RegisterContentAddressableStorageServer(s.grpcServer, s)
	bytestream.RegisterByteStreamServer(s.grpcServer, s)
	go s.grpcServer.Serve(lis)
	return s, nil
}

// Addr is the dial target.
func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

func (s *Server) Stop() {
	s.grpcServer.Stop()
}

// Blobs returns a copy of the stored blobs keyed by canonical resource name
// ("blobs/{hash}/{size}" or "compressed-blobs/zstd/{hash}/{size}").
func (s *Server) Blobs() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.blobs))
	for k, v := range s.blobs {
		out[k] = v
	}
	return out
}

// DropBlobs simulates CAS eviction while leaving action results in place.
func (s *Server) DropBlobs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs = map[string][]byte{}
}

// BlockWrites holds every new ByteStream write until ch is closed or the
// client goes away.
func (s *Server) BlockWrites(ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockWrites = ch
}

// WriteCount is the number of finished ByteStream writes.
func (s *Server) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// ActionCount is the number of stored action results.
func (s *Server) ActionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions)
}

// canonical strips the instance name and upload prefix from a resource name.
func canonical(resourceName string) string {
	for _, marker := range []string{"compressed-blobs/", "blobs/"} {
		if i := strings.Index(resourceName, marker); i >= 0 {
			return resourceName[i:]
		}
	}
	return resourceName
}

func (s *Server) GetCapabilities(ctx context.Context, req *repb.GetCapabilitiesRequest) (*repb.ServerCapabilities, error) {
	return &repb.ServerCapabilities{
		CacheCapabilities: &repb.CacheCapabilities{
			DigestFunctions: []repb.DigestFunction_Value{repb.DigestFunction_SHA256},
			ActionCacheUpdateCapabilities: &repb.ActionCacheUpdateCapabilities{
				UpdateEnabled: true,
			},
			SupportedCompressors: []repb.Compressor_Value{repb.Compressor_ZSTD},
		},
	}, nil
}

func (s *Server) GetActionResult(ctx context.Context, req *repb.GetActionResultRequest) (*repb.ActionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ar, ok := s.actions[req.GetActionDigest().GetHash()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "action result not found: %s", req.GetActionDigest().GetHash())
	}
	return proto.Clone(ar).(*repb.ActionResult), nil
}

func (s *Server) UpdateActionResult(ctx context.Context, req *repb.UpdateActionResultRequest) (*repb.ActionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[req.GetActionDigest().GetHash()] = proto.Clone(req.GetActionResult()).(*repb.ActionResult)
	return req.GetActionResult(), nil
}

func (s *Server) FindMissingBlobs(ctx context.Context, req *repb.FindMissingBlobsRequest) (*repb.FindMissingBlobsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &repb.FindMissingBlobsResponse{}
	for _, d := range req.GetBlobDigests() {
		dg, err := digest.NewFromProto(d)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid digest: %v", err)
		}
		suffix := dg.Hash + "/" + strconv.FormatInt(dg.Size, 10)
		_, plain := s.blobs["blobs/"+suffix]
		_, zstd := s.blobs["compressed-blobs/zstd/"+suffix]
		if !plain && !zstd {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, d)
		}
	}
	return resp, nil
}

func (s *Server) Read(req *bytestream.ReadRequest, stream bytestream.ByteStream_ReadServer) error {
	s.mu.Lock()
	data, ok := s.blobs[canonical(req.GetResourceName())]
	s.mu.Unlock()
	if !ok {
		return status.Errorf(codes.NotFound, "not found: %s", req.GetResourceName())
	}
	const chunk = 16 * 1024
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		if err := stream.Send(&bytestream.ReadResponse{Data: data[off:end]}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) Write(stream bytestream.ByteStream_WriteServer) error {
	s.mu.Lock()
	block := s.blockWrites
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}

	var resourceName string
	var buf bytes.Buffer
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if req.GetResourceName() != "" {
			resourceName = req.GetResourceName()
		}
		buf.Write(req.GetData())
		if req.GetFinishWrite() {
			break
		}
	}

	s.mu.Lock()
	s.blobs[canonical(resourceName)] = buf.Bytes()
	s.writes++
	s.mu.Unlock()

	return stream.SendAndClose(&bytestream.WriteResponse{CommittedSize: int64(buf.Len())})
}
