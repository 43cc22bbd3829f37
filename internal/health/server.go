// Package health exposes the standard gRPC health service for the worker.
//
// The worker reports SERVING while it is subscribed and waiting for a
// message, and NOT_SERVING while connecting or processing a job.
package health

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported besides "".
const ServiceName = "runsh.Worker"

// Server gRPC 健康檢查服務
type Server struct {
	mu      sync.Mutex
	grpc    *grpc.Server
	health  *grpchealth.Server
	lis     net.Listener
	serving bool
	logger  *zap.Logger
}

// NewServer creates a server reporting NOT_SERVING.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: grpchealth.NewServer(),
		logger: logger.Named("health"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// SetServing switches the reported status.
func (s *Server) SetServing(serving bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serving == serving {
		return
	}
	s.serving = serving
	if serving {
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
	} else {
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// Serving reports the current status.
func (s *Server) Serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serving
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Start listens on addr (e.g. ":50051") and serves in the background.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	s.logger.Info("health server listening", zap.String("addr", lis.Addr().String()))
	go func() {
		if err := s.grpc.Serve(lis); err != nil {
			s.logger.Error("health server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Stop marks every service NOT_SERVING and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}
