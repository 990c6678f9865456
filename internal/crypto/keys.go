package crypto

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// IsPKCS12 reports whether path names a PKCS#12 bundle
func IsPKCS12(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		return true
	default:
		return false
	}
}

// ParseRSAPrivateKeyPEM decodes the first private key block in data. Legacy
// encrypted PEM blocks are decrypted with password.
func ParseRSAPrivateKeyPEM(data []byte, password string) (*rsa.PrivateKey, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no private key found in PEM data")
		}
		if !strings.HasSuffix(block.Type, "PRIVATE KEY") {
			continue
		}

		der := block.Bytes
		//nolint:staticcheck // legacy encrypted PEM keys are still issued by some providers
		if x509.IsEncryptedPEMBlock(block) {
			if password == "" {
				return nil, fmt.Errorf("private key is encrypted but no password was provided")
			}
			var err error
			//nolint:staticcheck
			der, err = x509.DecryptPEMBlock(block, []byte(password))
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt private key: %w", err)
			}
		}

		return parseRSADER(der)
	}
}

func parseRSADER(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, RSA required", parsed)
	}
	return key, nil
}

// LoadRSAPrivateKeyFile reads an RSA key from a PEM file or a PKCS#12 bundle
func LoadRSAPrivateKeyFile(path, password string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	if !IsPKCS12(path) {
		return ParseRSAPrivateKeyPEM(data, password)
	}

	key, _, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12 bundle: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PKCS#12 key is %T, RSA required", key)
	}
	return rsaKey, nil
}

// LoadClientCertificate builds a TLS client certificate. certPath may be a
// PKCS#12 bundle, or a PEM file holding the certificate and, when keyPath is
// empty, the private key as well.
func LoadClientCertificate(certPath, keyPath, password string) (tls.Certificate, error) {
	certData, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read certificate: %w", err)
	}

	if IsPKCS12(certPath) {
		blocks, err := pkcs12.ToPEM(certData, password)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to decode PKCS#12 bundle: %w", err)
		}
		var pemData []byte
		for _, b := range blocks {
			pemData = append(pemData, pem.EncodeToMemory(b)...)
		}
		return tls.X509KeyPair(pemData, pemData)
	}

	keyData := certData
	if keyPath != "" {
		keyData, err = os.ReadFile(keyPath)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to read private key: %w", err)
		}
	}

	if password != "" {
		key, err := ParseRSAPrivateKeyPEM(keyData, password)
		if err != nil {
			return tls.Certificate{}, err
		}
		keyData = pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		})
	}

	return tls.X509KeyPair(certData, keyData)
}
