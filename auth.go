// ABOUTME: Dual-mode authentication for the management surfaces: Bearer token or mTLS client CN.
// ABOUTME: Provides HTTP middleware plus unary and stream gRPC interceptors.

package openvpn2dns

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"net/http"
	"slices"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Auth holds authentication configuration for the management APIs. With
// NoAuth set every request is accepted; otherwise at least one of Token or
// AllowedCN must be configured.
type Auth struct {
	Token     string
	AllowedCN []string
	NoAuth    bool
}

// check validates a presented bearer token or client CN.
func (a *Auth) check(token, cn string) bool {
	if a.NoAuth {
		return true
	}
	if a.Token != "" && token != "" {
		return constantTimeEqual(token, a.Token)
	}
	if len(a.AllowedCN) > 0 && cn != "" {
		return slices.Contains(a.AllowedCN, cn)
	}
	return false
}

// HTTPMiddleware rejects requests that carry neither a valid Bearer token
// nor an allowed client certificate.
func (a *Auth) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.check(bearerToken(r.Header.Get("Authorization")), commonName(r.TLS)) {
			log.Warningf("rejected %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, apiErrorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UnaryInterceptor authenticates unary gRPC calls.
func (a *Auth) UnaryInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if err := a.authorize(ctx); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

// StreamInterceptor authenticates streaming gRPC calls such as health Watch.
func (a *Auth) StreamInterceptor(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := a.authorize(ss.Context()); err != nil {
		return err
	}
	return handler(srv, ss)
}

func (a *Auth) authorize(ctx context.Context) error {
	var token string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("authorization"); len(vals) > 0 {
			token = bearerToken(vals[0])
		}
	}
	if a.check(token, peerCommonName(ctx)) {
		return nil
	}
	if token != "" {
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	return status.Error(codes.Unauthenticated, "authentication required")
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func commonName(state *tls.ConnectionState) string {
	if state == nil || len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.CommonName
}

func peerCommonName(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.AuthInfo == nil {
		return ""
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return ""
	}
	return commonName(&info.State)
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
