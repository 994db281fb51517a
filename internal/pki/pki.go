// Package pki issues the private CA and the server and client certificates
// used for mutual TLS between safeops clients and safeops-server.
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// File names written by WriteBundles.
const (
	CAFile        = "ca.pem"
	CAKeyFile     = "ca-key.pem"
	ServerFile    = "server.pem"
	ServerKeyFile = "server-key.pem"
	ClientFile    = "client.pem"
	ClientKeyFile = "client-key.pem"
)

// Validity periods.
const (
	CAValidity   = 5 * 365 * 24 * time.Hour
	LeafValidity = 365 * 24 * time.Hour
)

// Bundle is a PEM certificate and its PEM private key.
type Bundle struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Set is a CA together with the server and client leaves it signed.
type Set struct {
	CA     *Bundle
	Server *Bundle
	Client *Bundle
}

// Issue creates a fresh ECDSA P-256 CA and signs a server certificate for
// hosts (localhost is always included) and a client certificate for operator.
func Issue(hosts []string, operator string) (*Set, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	caTmpl := &x509.Certificate{
		Subject:               pkix.Name{Organization: []string{"SafeOps"}, CommonName: "SafeOps CA"},
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	caDER, err := sign(caTmpl, caTmpl, &caKey.PublicKey, caKey, CAValidity)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, err
	}
	ca, err := encode(caDER, caKey)
	if err != nil {
		return nil, err
	}

	serverTmpl := &x509.Certificate{
		Subject:     pkix.Name{CommonName: "safeops-server"},
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:    []string{"localhost"},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			serverTmpl.IPAddresses = append(serverTmpl.IPAddresses, ip)
		} else if h != "" && h != "localhost" {
			serverTmpl.DNSNames = append(serverTmpl.DNSNames, h)
		}
	}
	server, err := leaf(serverTmpl, caCert, caKey)
	if err != nil {
		return nil, fmt.Errorf("creating server certificate: %w", err)
	}

	client, err := leaf(&x509.Certificate{
		Subject:     pkix.Name{Organization: []string{"SafeOps Operators"}, CommonName: operator},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, caCert, caKey)
	if err != nil {
		return nil, fmt.Errorf("creating client certificate: %w", err)
	}

	return &Set{CA: ca, Server: server, Client: client}, nil
}

func leaf(tmpl, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*Bundle, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := sign(tmpl, parent, &key.PublicKey, parentKey, LeafValidity)
	if err != nil {
		return nil, err
	}
	return encode(der, key)
}

func sign(tmpl, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey, validity time.Duration) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	now := time.Now()
	tmpl.SerialNumber = serial
	tmpl.NotBefore = now.Add(-time.Minute)
	tmpl.NotAfter = now.Add(validity)
	return x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
}

func encode(der []byte, key *ecdsa.PrivateKey) (*Bundle, error) {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling key: %w", err)
	}
	return &Bundle{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// ParseCertificate parses the first PEM certificate in certPEM.
func ParseCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("no PEM data found")
	}
	return x509.ParseCertificate(block.Bytes)
}

// WriteBundles writes the set into dir with owner-only permissions.
func WriteBundles(dir string, s *Set) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	files := map[string][]byte{
		CAFile:        s.CA.CertPEM,
		CAKeyFile:     s.CA.KeyPEM,
		ServerFile:    s.Server.CertPEM,
		ServerKeyFile: s.Server.KeyPEM,
		ClientFile:    s.Client.CertPEM,
		ClientKeyFile: s.Client.KeyPEM,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

func readBundle(dir, certFile, keyFile string) (*Bundle, error) {
	cert, err := os.ReadFile(filepath.Join(dir, certFile))
	if err != nil {
		return nil, err
	}
	key, err := os.ReadFile(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, err
	}
	return &Bundle{CertPEM: cert, KeyPEM: key}, nil
}
