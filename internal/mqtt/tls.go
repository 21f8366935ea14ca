package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// TLSOptions apply to ssl://, tls://, mqtts:// and wss:// brokers. Without a
// CA file the system roots are used.
type TLSOptions struct {
	CAFile string
	// Insecure disables certificate verification, for lab brokers with
	// self-signed certificates.
	Insecure bool
}

func (o TLSOptions) config() (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.Insecure}
	path := strings.TrimSpace(o.CAFile)
	if path == "" {
		return tc, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mqtt ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("mqtt ca file %s: no certificates found", path)
	}
	tc.RootCAs = pool
	return tc, nil
}
