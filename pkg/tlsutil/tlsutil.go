// Package tlsutil builds tls.Config values for the network edges of a
// sensor: the HTTP poller and the NATS sink as clients, the WebSocket
// listener as a server.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"

	"github.com/nict-isp/uds-sdk/errors"
)

// ClientConfig configures an outgoing TLS connection. The system CA bundle
// is always trusted; CAFiles are added to it.
type ClientConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled" env:"ENABLED"`
	CAFiles []string `yaml:"ca_files" json:"ca_files,omitempty" env:"CA_FILES"`
	// CertFile and KeyFile present a client certificate for mutual TLS.
	CertFile   string `yaml:"cert_file" json:"cert_file,omitempty" env:"CERT_FILE"`
	KeyFile    string `yaml:"key_file" json:"key_file,omitempty" env:"KEY_FILE"`
	ServerName string `yaml:"server_name" json:"server_name,omitempty" env:"SERVER_NAME"`
	// InsecureSkipVerify is for test setups only.
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" json:"insecure_skip_verify,omitempty" env:"INSECURE_SKIP_VERIFY"`
	MinVersion         string `yaml:"min_version" json:"min_version,omitempty" env:"MIN_VERSION"`
}

// ServerConfig configures a TLS listener, optionally verifying client
// certificates.
type ServerConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled" env:"ENABLED"`
	CertFile   string `yaml:"cert_file" json:"cert_file,omitempty" env:"CERT_FILE"`
	KeyFile    string `yaml:"key_file" json:"key_file,omitempty" env:"KEY_FILE"`
	MinVersion string `yaml:"min_version" json:"min_version,omitempty" env:"MIN_VERSION"`

	ClientCAFiles     []string `yaml:"client_ca_files" json:"client_ca_files,omitempty" env:"CLIENT_CA_FILES"`
	RequireClientCert bool     `yaml:"require_client_cert" json:"require_client_cert,omitempty" env:"REQUIRE_CLIENT_CERT"`
	AllowedClientCNs  []string `yaml:"allowed_client_cns" json:"allowed_client_cns,omitempty" env:"ALLOWED_CLIENT_CNS"`
}

// Client returns the client tls.Config, or nil when cfg is disabled.
func Client(cfg ClientConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if err := appendPEMFiles(rootCAs, cfg.CAFiles, "Client"); err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		RootCAs:            rootCAs,
		ServerName:         cfg.ServerName,
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for test setups
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "Client", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Server returns the server tls.Config, or nil when cfg is disabled.
func Server(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "Server", "load certificate")
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}

	if len(cfg.ClientCAFiles) == 0 {
		return tlsConfig, nil
	}
	clientCAs := x509.NewCertPool()
	if err := appendPEMFiles(clientCAs, cfg.ClientCAFiles, "Server"); err != nil {
		return nil, err
	}
	tlsConfig.ClientCAs = clientCAs
	tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	if len(cfg.AllowedClientCNs) > 0 {
		allowed := cfg.AllowedClientCNs
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
			return verifyAllowedClientCN(chains, allowed)
		}
	}
	return tlsConfig, nil
}

func appendPEMFiles(pool *x509.CertPool, files []string, method string) error {
	for _, file := range files {
		caPEM, err := os.ReadFile(file)
		if err != nil {
			return errors.WrapFatal(err, "tlsutil", method, fmt.Sprintf("read CA file %s", file))
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return errors.WrapFatal(fmt.Errorf("invalid PEM data: %w", errors.ErrInvalidConfig),
				"tlsutil", method, fmt.Sprintf("parse CA certificate from %s", file))
		}
	}
	return nil
}

// verifyAllowedClientCN accepts a verified client whose leaf CN is allowed.
// Unauthenticated clients are left to ClientAuth.
func verifyAllowedClientCN(chains [][]*x509.Certificate, allowedCNs []string) error {
	if len(chains) == 0 {
		return nil
	}
	cn := chains[0][0].Subject.CommonName
	if slices.Contains(allowedCNs, cn) {
		return nil
	}
	return fmt.Errorf("client certificate CN '%s' not in allowed list", cn)
}

// parseTLSVersion returns TLS 1.2 for anything but "1.3".
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
