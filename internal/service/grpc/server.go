package grpcsvc

import (
	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server: gRPC-сервер с зарегистрированным OrderService, health и reflection.
type Server struct {
	*grpc.Server
	Health  *health.Server
	Metrics *promgrpc.ServerMetrics
}

// NewServer собирает сервер. Метрики go-grpc-prometheus регистрируются в reg, если он задан.
func NewServer(svc OrderServiceServer, reg prometheus.Registerer, logger *log.Entry, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = log.WithField("component", "grpc")
	}

	grpcMetrics := promgrpc.NewServerMetrics()
	if reg != nil {
		if err := reg.Register(grpcMetrics); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
					grpcMetrics = existing
				}
			} else {
				logger.WithError(err).Warn("failed to register grpc metrics")
			}
		}
	}

	opts = append(opts, grpc.ChainUnaryInterceptor(
		grpcMetrics.UnaryServerInterceptor(),
		RecoveryInterceptor(logger),
		LoggingInterceptor(logger),
		IdempotencyInterceptor(),
	))
	server := grpc.NewServer(opts...)
	RegisterOrderServiceServer(server, svc)
	grpcMetrics.InitializeMetrics(server)

	reflection.Register(server)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	return &Server{Server: server, Health: healthServer, Metrics: grpcMetrics}
}

// SetServing переключает статус gRPC health по результату проверок зависимостей.
// После Drain статус больше не меняется.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.Health.SetServingStatus("", status)
	s.Health.SetServingStatus(ServiceName, status)
}

// Drain помечает сервер как NOT_SERVING перед остановкой.
func (s *Server) Drain() {
	s.Health.Shutdown()
}
