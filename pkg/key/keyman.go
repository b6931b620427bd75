package key

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

const (
	PEM_HEADER_PRIVATE_KEY = "RSA PRIVATE KEY"
	PEM_HEADER_PKCS8_KEY   = "PRIVATE KEY"
	PEM_HEADER_CERTIFICATE = "CERTIFICATE"
)

// PrivateKey is a convenience wrapper for rsa.PrivateKey
type PrivateKey struct {
	rsaKey *rsa.PrivateKey
}

// Certificate is a convenience wrapper for x509.Certificate
type Certificate struct {
	cert     *x509.Certificate
	derBytes []byte
}

// GeneratePK creates a new RSA key of the given size.
func GeneratePK(bits int) (*PrivateKey, error) {
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return &PrivateKey{rsaKey: k}, nil
}

// LoadPKFromFile loads a PKCS#1 or PKCS#8 RSA private key from a PEM file
func LoadPKFromFile(filename string) (*PrivateKey, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("unable to decode the pem file %v", filename)
	}
	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &PrivateKey{rsaKey: rsaKey}, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unable to decode x509 private key in %v", filename)
	}
	rsaKey, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%v does not hold an RSA key", filename)
	}
	return &PrivateKey{rsaKey: rsaKey}, nil
}

// LoadCertificateFromFile loads certificate from the specified file
func LoadCertificateFromFile(filename string) (*Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("unable to decode the pem file %v", filename)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unable to decode x509 certificate in %v", filename)
	}

	return &Certificate{cert: cert, derBytes: block.Bytes}, nil
}

// SelfSigned issues a server certificate for the given names, signed by key
// itself. Names that parse as IP addresses become IP SANs.
func SelfSigned(names []string, key *PrivateKey, validFor time.Duration) (*Certificate, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("at least one name is required")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"wafproxy"},
			CommonName:   names[0],
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validFor),
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
	}
	for _, n := range names {
		if ip := net.ParseIP(n); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, n)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.rsaKey.PublicKey, key.rsaKey)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Certificate{cert: cert, derBytes: der}, nil
}

// ServerTLSConfig pairs cert and key into a listener configuration.
func ServerTLSConfig(cert *Certificate, key *PrivateKey) (*tls.Config, error) {
	pair, err := tls.X509KeyPair(cert.PEMEncoded(), key.PEMEncoded())
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// LoadServerTLSConfig reads a PEM certificate and key from disk.
func LoadServerTLSConfig(certpath, keypath string) (*tls.Config, error) {
	cert, err := LoadCertificateFromFile(certpath)
	if err != nil {
		return nil, fmt.Errorf("read cert failed: %w", err)
	}
	pk, err := LoadPKFromFile(keypath)
	if err != nil {
		return nil, fmt.Errorf("read key failed: %w", err)
	}
	return ServerTLSConfig(cert, pk)
}

func (c *Certificate) X509() *x509.Certificate { return c.cert }

func (k *PrivateKey) pemBlock() *pem.Block {
	return &pem.Block{Type: PEM_HEADER_PRIVATE_KEY, Bytes: x509.MarshalPKCS1PrivateKey(k.rsaKey)}
}

func (k *PrivateKey) PEMEncoded() (pemBytes []byte) {
	return pem.EncodeToMemory(k.pemBlock())
}

func (c *Certificate) pemBlock() *pem.Block {
	return &pem.Block{Type: PEM_HEADER_CERTIFICATE, Bytes: c.derBytes}
}

func (c *Certificate) PEMEncoded() (pemBytes []byte) {
	return pem.EncodeToMemory(c.pemBlock())
}

// WriteFile stores the PEM form of the key, readable by the owner only.
func (k *PrivateKey) WriteFile(path string) error {
	return os.WriteFile(path, k.PEMEncoded(), 0o600)
}

func (c *Certificate) WriteFile(path string) error {
	return os.WriteFile(path, c.PEMEncoded(), 0o644)
}
