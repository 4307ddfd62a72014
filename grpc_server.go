// ABOUTME: gRPC server exposing the standard grpc.health.v1 service for served instances.
// ABOUTME: One service name per instance plus "" for the whole plugin, updated after every load.

package openvpn2dns

import (
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const grpcStopTimeout = 5 * time.Second

// GRPCServer serves instance health over gRPC.
type GRPCServer struct {
	auth   *Auth
	listen string
	tls    *tlsConfig
	health *health.Server
	server *grpc.Server
	addr   net.Addr

	mu      sync.Mutex
	healthy map[string]bool
}

// NewGRPCServer creates a gRPC server (not yet started). Every instance,
// and the overall service, is NOT_SERVING until its first successful load.
func NewGRPCServer(instances []string, auth *Auth, listen string, tls *tlsConfig) *GRPCServer {
	g := &GRPCServer{
		auth:    auth,
		listen:  listen,
		tls:     tls,
		health:  health.NewServer(),
		healthy: make(map[string]bool, len(instances)),
	}
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for _, name := range instances {
		g.healthy[name] = false
		g.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return g
}

// SetInstanceStatus records the outcome of a load of instance. It has the
// ReloadHook signature so it can be registered on a Handler.
func (g *GRPCServer) SetInstanceStatus(instance string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.healthy[instance] = err == nil
	g.health.SetServingStatus(instance, servingStatus(err == nil))

	all := true
	for _, ok := range g.healthy {
		all = all && ok
	}
	g.health.SetServingStatus("", servingStatus(all))
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Start begins serving gRPC in a background goroutine.
func (g *GRPCServer) Start() error {
	ln, err := net.Listen("tcp", g.listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.listen, err)
	}
	if err := g.serve(ln); err != nil {
		ln.Close()
		return err
	}
	return nil
}

// serve builds the grpc.Server and serves on ln.
func (g *GRPCServer) serve(ln net.Listener) error {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(g.auth.UnaryInterceptor),
		grpc.ChainStreamInterceptor(g.auth.StreamInterceptor),
	}
	creds, err := transportCredentials(g.tls)
	if err != nil {
		return fmt.Errorf("gRPC TLS: %w", err)
	}
	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
	}

	g.server = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(g.server, g.health)
	g.addr = ln.Addr()

	go func() {
		if err := g.server.Serve(ln); err != nil {
			log.Errorf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address once started.
func (g *GRPCServer) Addr() net.Addr { return g.addr }

// Stop marks every service NOT_SERVING, then shuts the server down. Open
// Watch streams are cut after a grace period.
func (g *GRPCServer) Stop() {
	if g.server == nil {
		return
	}
	g.health.Shutdown()

	done := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grpcStopTimeout):
		g.server.Stop()
	}
}
