// Package identity loads the credentials used to authenticate to APNs:
// TLS client certificates (PKCS#12 or PEM) and provider token signing
// keys (PKCS#8 ".p8" files).
package identity

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/micromdm/nanoapns/apns"

	"software.sslmate.com/src/go-pkcs12"
)

// Apple certificate extension OIDs marking the APNs environments a
// client certificate is valid for.
var (
	oidAPNsDevelopment = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 3, 1}
	oidAPNsProduction  = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 3, 2}
	oidUserID          = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}
)

// ErrNoTopic is returned when no topic can be found in a certificate.
var ErrNoTopic = errors.New("could not find topic (UserID OID) in certificate")

func checkSigner(key crypto.PrivateKey) error {
	switch key.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
		return nil
	}
	return apns.Errorf(apns.KindUnexpectedKey, "unsupported private key type %T", key)
}

// LoadPKCS12 reads a PKCS#12 container from r and decrypts it with
// password. The leaf certificate and any CA certificates become the
// returned certificate chain.
func LoadPKCS12(r io.Reader, password string) (*tls.Certificate, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apns.NewError(apns.KindRead, err)
	}
	return ParsePKCS12(data, password)
}

// ParsePKCS12 decodes and decrypts PKCS#12 data.
// A wrong password is reported as KindInvalidCertificate.
func ParsePKCS12(data []byte, password string) (*tls.Certificate, error) {
	key, leaf, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, apns.NewError(apns.KindInvalidCertificate, err)
	}
	if err = checkSigner(key); err != nil {
		return nil, err
	}
	cert := &tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	for _, ca := range caCerts {
		cert.Certificate = append(cert.Certificate, ca.Raw)
	}
	return cert, nil
}

// ParsePEM builds a certificate from a PEM certificate and private key.
func ParsePEM(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, apns.NewError(apns.KindInvalidCertificate, err)
	}
	if cert.Leaf == nil {
		cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, apns.NewError(apns.KindInvalidCertificate, err)
		}
	}
	return &cert, nil
}

// SplitPEM reads a PEM-encoded certificate and non-encrypted private
// key from input and returns them as separate PEM blocks. Either may
// be nil if not present.
func SplitPEM(input []byte) (cert []byte, key []byte, err error) {
	// if the PEM blocks are mushed together with no newline then add one
	input = bytes.ReplaceAll(input, []byte("----------"), []byte("-----\n-----"))
	var block *pem.Block
	for {
		block, input = pem.Decode(input)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			if cert == nil {
				cert = pem.EncodeToMemory(block)
			}
		} else if block.Type == "PRIVATE KEY" || strings.HasSuffix(block.Type, " PRIVATE KEY") {
			if x509.IsEncryptedPEMBlock(block) {
				return nil, nil, apns.Errorf(apns.KindInvalidCertificate, "private key PEM appears to be encrypted")
			}
			key = pem.EncodeToMemory(block)
		} else {
			return nil, nil, apns.Errorf(apns.KindInvalidCertificate, "unrecognized PEM type: %q", block.Type)
		}
	}
	return
}

// PEMCertificate returns the PEM encoding of a DER certificate.
func PEMCertificate(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// DecodePEMCertificate parses the first PEM certificate block in pemBytes.
func DecodePEMCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, apns.Errorf(apns.KindInvalidCertificate, "PEM certificate block not found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, apns.NewError(apns.KindInvalidCertificate, err)
	}
	return cert, nil
}

// TopicFromCert returns the APNs topic of an Apple-issued push
// certificate. This is the subject UserID, usually the app bundle ID.
func TopicFromCert(cert *x509.Certificate) (string, error) {
	if cert == nil {
		return "", ErrNoTopic
	}
	for _, v := range cert.Subject.Names {
		if v.Type.Equal(oidUserID) {
			if uid, ok := v.Value.(string); ok && uid != "" {
				return uid, nil
			}
			break
		}
	}
	return "", ErrNoTopic
}

// TopicFromPEMCert decodes a PEM certificate and returns its topic.
func TopicFromPEMCert(pemCert []byte) (string, error) {
	cert, err := DecodePEMCertificate(pemCert)
	if err != nil {
		return "", err
	}
	return TopicFromCert(cert)
}

// Environments reports which APNs environments cert is marked for.
// Certificates without either marker report neither.
func Environments(cert *x509.Certificate) (sandbox, production bool) {
	if cert == nil {
		return
	}
	for _, ext := range cert.Extensions {
		switch {
		case ext.Id.Equal(oidAPNsDevelopment):
			sandbox = true
		case ext.Id.Equal(oidAPNsProduction):
			production = true
		}
	}
	return
}

// TokenKey is an APNs provider authentication key and the identifiers
// needed to sign provider tokens with it.
type TokenKey struct {
	// KeyID is the 10 character key identifier from the developer account.
	KeyID string

	// TeamID is the 10 character team identifier from the developer account.
	TeamID string

	Key *ecdsa.PrivateKey
}

// LoadTokenKey reads a PKCS#8 PEM ".p8" key from r.
func LoadTokenKey(r io.Reader, keyID, teamID string) (*TokenKey, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apns.NewError(apns.KindRead, err)
	}
	return ParseTokenKey(data, keyID, teamID)
}

// ParseTokenKey parses a PEM encoded P-256 EC private key.
// PKCS#8 ("PRIVATE KEY") and SEC 1 ("EC PRIVATE KEY") blocks are accepted.
func ParseTokenKey(pemBytes []byte, keyID, teamID string) (*TokenKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, apns.Errorf(apns.KindUnexpectedKey, "no PEM block found")
	}
	var key interface{}
	var err error
	switch block.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, apns.Errorf(apns.KindUnexpectedKey, "unexpected PEM type: %q", block.Type)
	}
	if err != nil {
		return nil, apns.NewError(apns.KindUnexpectedKey, err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, apns.Errorf(apns.KindUnexpectedKey, "key is %T, not an EC key", key)
	}
	if ecKey.Curve != elliptic.P256() {
		return nil, apns.Errorf(apns.KindUnexpectedKey, "EC key curve is %s, not P-256", ecKey.Curve.Params().Name)
	}
	return &TokenKey{KeyID: keyID, TeamID: teamID, Key: ecKey}, nil
}

// MarshalTokenKey returns the PKCS#8 PEM encoding of key.
func MarshalTokenKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal PKCS#8 key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
