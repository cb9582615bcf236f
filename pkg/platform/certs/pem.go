// Package certs converts between X.509 certificates and the PEM text form
// used by both storage backends.
package certs

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
)

const blockType = "CERTIFICATE"

var ErrNoCertificate = errors.New("no PEM certificate block found")

// Encode returns the PEM text of cert, or "" for nil.
func Encode(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: cert.Raw}))
}

// Parse reads the first certificate from PEM text. Bare base64 without
// armor is accepted as well since endpoint certificates are often stored that way.
func Parse(text string) (*x509.Certificate, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrNoCertificate
	}
	if !strings.HasPrefix(text, "-----BEGIN") {
		text = "-----BEGIN " + blockType + "-----\n" + text + "\n-----END " + blockType + "-----\n"
	}
	block, _ := pem.Decode([]byte(text))
	if block == nil || block.Type != blockType {
		return nil, ErrNoCertificate
	}
	return x509.ParseCertificate(block.Bytes)
}

// ParseOrNil is Parse that maps every failure to nil. Stored text that no
// longer parses is treated as "no certificate".
func ParseOrNil(text string) *x509.Certificate {
	cert, err := Parse(text)
	if err != nil {
		return nil
	}
	return cert
}
