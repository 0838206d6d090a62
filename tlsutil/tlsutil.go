// Package tlsutil builds the TLS configurations used by the relay and its
// client. Every configuration produced here refuses anything below TLS 1.2.
package tlsutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/pkcs12"
)

// MinVersion is the lowest protocol version accepted on either side.
const MinVersion = tls.VersionTLS12

// ServerConfig loads a PEM certificate chain and private key.
//
// Parameters:
//   - certFile: PEM certificate (chain) path
//   - keyFile: PEM private key path
//
// Returns:
//   - A server tls.Config, or an error if the pair cannot be loaded
func ServerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	return NewServerConfig(cert), nil
}

// ServerConfigPKCS12 loads a password-protected PKCS#12 keystore holding
// the server's private key and certificate.
//
// Parameters:
//   - keystoreFile: Path to the .p12/.pfx file
//   - password: Keystore password
//
// Returns:
//   - A server tls.Config, or an error if the keystore cannot be decoded
func ServerConfigPKCS12(keystoreFile, password string) (*tls.Config, error) {
	data, err := os.ReadFile(keystoreFile)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}

	key, leaf, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, fmt.Errorf("decode keystore: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.New("keystore private key cannot sign")
	}

	return NewServerConfig(tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  signer,
		Leaf:        leaf,
	}), nil
}

// NewServerConfig wraps an already loaded certificate.
func NewServerConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   MinVersion,
	}
}

// ClientConfig trusts only the certificates in caFile, the way the desktop
// client pins the relay's certificate.
//
// Parameters:
//   - caFile: PEM file with the pinned certificate(s)
//   - serverName: Name to verify; empty uses the dialed host
//
// Returns:
//   - A client tls.Config, or an error if no certificate could be parsed
func ClientConfig(caFile, serverName string) (*tls.Config, error) {
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}

	return NewClientConfig(pool, serverName), nil
}

// NewClientConfig trusts pool.
func NewClientConfig(pool *x509.CertPool, serverName string) *tls.Config {
	return &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: MinVersion,
	}
}

// SelfSigned creates an in-memory ECDSA certificate valid for hosts (IP
// literals become IP SANs) and a pool trusting it. Intended for tests and
// local development.
//
// Returns:
//   - The certificate, a pool containing it, or a generation error
func SelfSigned(hosts ...string) (tls.Certificate, *x509.CertPool, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "chatrelay"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("parse certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool, nil
}
