package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// buildTLSConfig loads the server's pre-provisioned cert+key and,
// when ssl_verify is set, a CA bundle used to require and validate
// client certificates. Certificate provisioning itself (ACME, file
// watching, rotation) is out of scope per spec §1 — the core only
// consumes already-loaded credentials.
func buildTLSConfig(cfg Config) (*tls.Config, error) {
	if !cfg.SSLEnabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.SSLCertFile, cfg.SSLKeyFile)
	if err != nil {
		return nil, fmt.Errorf("server: load TLS key pair: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.SSLVerify {
		if cfg.SSLCACerts == "" {
			return nil, fmt.Errorf("server: ssl_verify requires ssl_ca_certs")
		}
		caBytes, err := os.ReadFile(cfg.SSLCACerts)
		if err != nil {
			return nil, fmt.Errorf("server: read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("server: no valid certificates found in CA bundle")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsCfg, nil
}
