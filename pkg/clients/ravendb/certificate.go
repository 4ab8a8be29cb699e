package ravendb

import (
	"bytes"
	"crypto/tls"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// LoadCertificate returns Certificate, or loads CertificatePath when set.
// It returns nil when neither is configured.
func (s Settings) LoadCertificate() (*tls.Certificate, error) {
	if s.Certificate != nil {
		return s.Certificate, nil
	}
	if s.CertificatePath == "" {
		return nil, nil
	}

	data, err := os.ReadFile(s.CertificatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}

	switch strings.ToLower(filepath.Ext(s.CertificatePath)) {
	case ".pfx", ".p12":
		return parsePFX(data, s.CertificatePassword)
	default:
		cert, err := tls.X509KeyPair(data, data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PEM certificate %s: %w", s.CertificatePath, err)
		}
		return &cert, nil
	}
}

// parsePFX converts a PKCS#12 bundle to a TLS certificate. Every
// certificate in the bundle is kept so intermediate chains are sent.
func parsePFX(data []byte, password string) (*tls.Certificate, error) {
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PFX certificate: %w", err)
	}

	var certPEM, keyPEM bytes.Buffer
	for _, b := range blocks {
		switch {
		case b.Type == "CERTIFICATE":
			_ = pem.Encode(&certPEM, b)
		case strings.HasSuffix(b.Type, "PRIVATE KEY"):
			_ = pem.Encode(&keyPEM, b)
		}
	}
	if certPEM.Len() == 0 || keyPEM.Len() == 0 {
		return nil, fmt.Errorf("PFX certificate must contain a certificate and a private key")
	}

	cert, err := tls.X509KeyPair(certPEM.Bytes(), keyPEM.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to load PFX certificate: %w", err)
	}
	return &cert, nil
}
