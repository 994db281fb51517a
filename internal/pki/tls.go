package pki

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"google.golang.org/grpc/credentials"
)

var errBadCA = errors.New("failed to parse CA certificate")

// ServerTLSConfig requires client certificates signed by the CA.
func ServerTLSConfig(server *Bundle, caPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(server.CertPEM, server.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errBadCA
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig presents the client certificate and trusts only the CA.
func ClientTLSConfig(client *Bundle, caPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(client.CertPEM, client.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errBadCA
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ServerCredentials loads mTLS server credentials from a WriteBundles dir.
func ServerCredentials(dir string) (credentials.TransportCredentials, error) {
	server, err := readBundle(dir, ServerFile, ServerKeyFile)
	if err != nil {
		return nil, err
	}
	caPEM, err := os.ReadFile(filepath.Join(dir, CAFile))
	if err != nil {
		return nil, err
	}
	cfg, err := ServerTLSConfig(server, caPEM)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

// ClientCredentials loads mTLS client credentials from a WriteBundles dir.
func ClientCredentials(dir string) (credentials.TransportCredentials, error) {
	client, err := readBundle(dir, ClientFile, ClientKeyFile)
	if err != nil {
		return nil, err
	}
	caPEM, err := os.ReadFile(filepath.Join(dir, CAFile))
	if err != nil {
		return nil, err
	}
	cfg, err := ClientTLSConfig(client, caPEM)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}
