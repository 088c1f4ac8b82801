package eapi

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"
)

// DefaultPort is the HTTPS port of the command API.
const DefaultPort = 443

// legacyCipherSuites are the suites offered for TLS 1.2. They match the
// defaults of older EOS releases.
var legacyCipherSuites = []uint16{
	tls.TLS_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_RSA_WITH_AES_128_CBC_SHA,
}

// Config holds eAPI connection configuration.
type Config struct {
	// Host is the management address of the switch
	Host string

	// Port is the HTTPS port (default: 443)
	Port int

	Username string
	Password string

	// VerifyTLS enables certificate and hostname verification. Devices ship
	// with self-signed certificates, so it is off by default.
	VerifyTLS bool

	// CAFile is an optional PEM bundle used when VerifyTLS is set.
	CAFile string

	// Timeout bounds a whole request, including the commit.
	Timeout time.Duration
}

// DefaultConfig returns a Config with defaults.
func DefaultConfig(host, username, password string) *Config {
	return &Config{
		Host:     host,
		Port:     DefaultPort,
		Username: username,
		Password: password,
		Timeout:  60 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.Username == "" {
		return fmt.Errorf("username is required")
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if c.CAFile != "" && !c.VerifyTLS {
		return fmt.Errorf("ca file requires tls verification to be enabled")
	}

	return nil
}

// Endpoint returns the command API URL.
func (c *Config) Endpoint() string {
	u := url.URL{
		Scheme: "https",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/command-api",
	}
	return u.String()
}

// BuildTLSConfig creates the client TLS configuration: TLS 1.2 minimum with the
// legacy cipher set, verification controlled by VerifyTLS.
func (c *Config) BuildTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: legacyCipherSuites,
		// #nosec G402 -- explicit operator choice, see VerifyTLS
		InsecureSkipVerify: !c.VerifyTLS,
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}
