// Package health exposes scanner liveness over the standard gRPC health
// protocol so supervisors can probe the engine with grpc_health_probe.
package health

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/presence.report/internal/presence"
)

// ServiceName is the health service reported for the polling loop. The
// empty service name tracks the process as a whole.
const ServiceName = "presence.Coordinator"

// Server serves grpc.health.v1. The coordinator service is NOT_SERVING
// until the first cycle completes, and flips back to NOT_SERVING on every
// scan error.
type Server struct {
	addr     string
	health   *health.Server
	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewServer returns a health server that will listen on addr.
func NewServer(addr string) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{addr: addr, health: hs}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("health server already running")
	}
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.server = grpc.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("[Health] gRPC health service listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			log.Printf("[Health] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr reports the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop marks every service NOT_SERVING and shuts the server down.
func (s *Server) Stop() {
	if !s.running.Load() {
		return
	}
	s.running.Store(false)
	s.health.Shutdown()
	s.server.GracefulStop()
	s.wg.Wait()
	log.Printf("[Health] gRPC health service stopped")
}

// HandleCycle marks the coordinator SERVING.
func (s *Server) HandleCycle(_ context.Context, _ presence.CycleResult) error {
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return nil
}

// HandleScanError marks the coordinator NOT_SERVING until the next good cycle.
func (s *Server) HandleScanError(_ context.Context, _ error) {
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
}
