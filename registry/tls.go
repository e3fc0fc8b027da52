package registry

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"

	"github.com/atrun-project/atrun"
)

// buildClientTLSConfig validates cfg and loads the client certificate and
// CA bundle it names into a tls.Config for the etcd client connection.
// A nil or disabled cfg is not an error; it simply means TLS is off.
func buildClientTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, atrun.NewTransportError("registry.buildClientTLSConfig", err)
	}

	caData, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, atrun.NewTransportError("registry.buildClientTLSConfig", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caData) {
		return nil, atrun.NewTransportError("registry.buildClientTLSConfig", errors.New("CA bundle contains no usable certificates"))
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// validate reports a params error naming the missing field when an
// enabled TLSConfig is incomplete.
func (cfg *TLSConfig) validate() error {
	switch {
	case cfg.CertFile == "":
		return atrun.NewParamsError("registry.TLSConfig", errors.New("cert_file is required when TLS is enabled"))
	case cfg.KeyFile == "":
		return atrun.NewParamsError("registry.TLSConfig", errors.New("key_file is required when TLS is enabled"))
	case cfg.CAFile == "":
		return atrun.NewParamsError("registry.TLSConfig", errors.New("ca_file is required when TLS is enabled"))
	default:
		return nil
	}
}
