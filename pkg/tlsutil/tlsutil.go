// Package tlsutil turns the security section of the configuration into a
// *tls.Config for the stream interface listener.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"

	"github.com/SignalK/signalk-server-sub000/errors"
	"github.com/SignalK/signalk-server-sub000/security"
)

var versions = map[string]uint16{
	"":    tls.VersionTLS12,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// ServerConfig builds the listener TLS configuration. It returns nil, nil
// when TLS is off.
func ServerConfig(cfg security.ServerTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVersion, ok := versions[cfg.MinVersion]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "tlsutil", "ServerConfig",
			fmt.Sprintf("unsupported min_version %q", cfg.MinVersion))
	}
	pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "ServerConfig", "load key pair")
	}

	out := &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: minVersion}
	if !cfg.MTLS.Enabled {
		return out, nil
	}

	if out.ClientCAs, err = certPool(cfg.MTLS.ClientCAFiles); err != nil {
		return nil, err
	}
	out.ClientAuth = tls.VerifyClientCertIfGiven
	if cfg.MTLS.RequireClientCert {
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}
	if allowed := cfg.MTLS.AllowedClientCNs; len(allowed) > 0 {
		out.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
			if len(chains) == 0 || len(chains[0]) == 0 {
				return fmt.Errorf("client presented no verified certificate")
			}
			if cn := chains[0][0].Subject.CommonName; !slices.Contains(allowed, cn) {
				return fmt.Errorf("client certificate CN %q is not allowed", cn)
			}
			return nil
		}
	}
	return out, nil
}

func certPool(files []string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, name := range files {
		pem, err := os.ReadFile(name)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "certPool", "read "+name)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.WrapFatal(fmt.Errorf("no PEM certificates found"), "tlsutil", "certPool", name)
		}
	}
	return pool, nil
}

// PeerName is the common name of the verified client certificate, or ""
// for connections without one.
func PeerName(state *tls.ConnectionState) string {
	if state == nil || len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.CommonName
}
