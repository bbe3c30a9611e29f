package transport

import (
	"crypto/tls"

	"github.com/rauc/rauc-hawkbit-updater/config"
)

// tlsConfig builds the client TLS policy from cfg: certificate verification
// can be disabled via ssl_verify=false, and a client key/cert pair can be
// configured for mutual TLS (spec.md §3, §6).
func tlsConfig(cfg *config.Config) *tls.Config {
	tc := &tls.Config{InsecureSkipVerify: !cfg.SSLVerify}
	if cfg.SSLKey != "" && cfg.SSLCert != "" {
		if cert, err := tls.LoadX509KeyPair(cfg.SSLCert, cfg.SSLKey); err == nil {
			tc.Certificates = []tls.Certificate{cert}
		}
	}
	return tc
}
