// ABOUTME: Shared TLS configuration for the REST API and gRPC health servers.
// ABOUTME: Supports server-only TLS and mutual TLS (mTLS) with CA verification.

package openvpn2dns

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
)

// tlsConfig holds the certificate paths of a management listener as given
// in the Corefile: `tls CERT KEY [CA]`.
type tlsConfig struct {
	cert string
	key  string
	ca   string
}

// buildTLSConfig creates a *tls.Config from the listener's tlsConfig.
// When a CA is provided, mTLS with RequireAndVerifyClientCert is enabled
// and client certificate CNs become usable for authentication.
func buildTLSConfig(cfg *tlsConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.cert, cfg.key)
	if err != nil {
		return nil, fmt.Errorf("loading TLS keypair: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.ca != "" {
		caPEM, err := os.ReadFile(cfg.ca)
		if err != nil {
			return nil, fmt.Errorf("reading CA file %s: %w", cfg.ca, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("CA file %s contains no valid certificates", cfg.ca)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsCfg, nil
}

// transportCredentials returns gRPC server credentials for cfg, or nil
// when the listener runs in plaintext.
func transportCredentials(cfg *tlsConfig) (credentials.TransportCredentials, error) {
	if cfg == nil {
		return nil, nil
	}
	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(tlsCfg), nil
}
