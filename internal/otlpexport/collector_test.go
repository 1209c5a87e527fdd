package otlpexport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"

	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/grpc"
)

// testCollector is an in-process OTLP logs collector.
type testCollector struct {
	collectorlogs.UnimplementedLogsServiceServer

	listener   net.Listener
	grpcServer *grpc.Server

	mu       sync.Mutex
	requests []*collectorlogs.ExportLogsServiceRequest
	err      error
}

func startCollector(t *testing.T) *testCollector {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	c := &testCollector{listener: listener, grpcServer: grpc.NewServer()}
	collectorlogs.RegisterLogsServiceServer(c.grpcServer, c)

	go c.grpcServer.Serve(listener)
	t.Cleanup(c.grpcServer.GracefulStop)
	return c
}

func (c *testCollector) Endpoint() string {
	return c.listener.Addr().String()
}

func (c *testCollector) Export(
	ctx context.Context,
	req *collectorlogs.ExportLogsServiceRequest,
) (*collectorlogs.ExportLogsServiceResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.requests = append(c.requests, req)
	return &collectorlogs.ExportLogsServiceResponse{}, nil
}

func (c *testCollector) records() []*logspb.LogRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*logspb.LogRecord
	for _, req := range c.requests {
		for _, rl := range req.ResourceLogs {
			for _, sl := range rl.ScopeLogs {
				out = append(out, sl.LogRecords...)
			}
		}
	}
	return out
}

func (c *testCollector) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}
