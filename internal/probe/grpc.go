package probe

import (
	"context"
	"errors"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/avapool/internal/observability"
	"github.com/vyrodovalexey/avapool/internal/util"
)

// GRPCProbe calls grpc.health.v1.Health/Check and treats SERVING as
// healthy. Client connections are pooled per address and dropped after a
// failed check.
type GRPCProbe struct {
	service string
	creds   credentials.TransportCredentials
	logger  observability.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// GRPCOption configures a GRPCProbe.
type GRPCOption func(*GRPCProbe)

// WithGRPCLogger sets the logger.
func WithGRPCLogger(logger observability.Logger) GRPCOption {
	return func(p *GRPCProbe) {
		p.logger = logger
	}
}

// WithTransportCredentials sets TLS credentials. The default is plaintext.
func WithTransportCredentials(creds credentials.TransportCredentials) GRPCOption {
	return func(p *GRPCProbe) {
		p.creds = creds
	}
}

// NewGRPCProbe creates a gRPC health probe for service. An empty service
// asks for the server's overall health.
func NewGRPCProbe(service string, opts ...GRPCOption) *GRPCProbe {
	p := &GRPCProbe{
		service: service,
		logger:  observability.NopLogger(),
		conns:   make(map[string]*grpc.ClientConn),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe implements pool.Probe.
func (p *GRPCProbe) Probe(ctx context.Context, address string, timeout time.Duration) (time.Duration, error) {
	conn, err := p.conn(address)
	if err != nil {
		return 0, util.NewProbeError(address, "client setup failed", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	latency := time.Since(start)
	if err != nil {
		p.drop(address)
		return latency, util.NewProbeError(address, "health check failed", err)
	}
	if status := resp.GetStatus(); status != healthpb.HealthCheckResponse_SERVING {
		return latency, util.NewProbeError(address, "service is "+status.String(), nil)
	}
	return latency, nil
}

func (p *GRPCProbe) conn(address string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[address]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		p.closeLocked(address, conn)
	}

	creds := p.creds
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, err
	}
	p.conns[address] = conn
	return conn, nil
}

func (p *GRPCProbe) drop(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[address]; ok {
		p.closeLocked(address, conn)
	}
}

func (p *GRPCProbe) closeLocked(address string, conn *grpc.ClientConn) {
	if err := conn.Close(); err != nil {
		p.logger.Warn("failed to close gRPC probe connection",
			observability.String("address", address),
			observability.Error(err),
		)
	}
	delete(p.conns, address)
}

// Close closes every pooled connection.
func (p *GRPCProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for address, conn := range p.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.conns, address)
	}
	return errors.Join(errs...)
}
