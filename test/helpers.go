// Package test contains helpers for generating APNs credentials in tests.
package test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

var (
	oidUserID          = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}
	oidAPNsDevelopment = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 3, 1}
)

func GenerateRandomCertificateSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// SelfSignedPushCert generates a self-signed certificate shaped like an
// Apple-issued APNs client certificate for topic.
func SelfSignedPushCert(topic string, days int) (key *rsa.PrivateKey, cert *x509.Certificate, err error) {
	serialNumber, err := GenerateRandomCertificateSerialNumber()
	if err != nil {
		return nil, nil, err
	}
	key, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return
	}
	timeNow := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: "Apple Development IOS Push Services: " + topic,
			ExtraNames: []pkix.AttributeTypeAndValue{
				{Type: oidUserID, Value: topic},
			},
		},
		NotBefore:   timeNow.Add(-time.Minute),
		NotAfter:    timeNow.Add(time.Duration(days) * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		ExtraExtensions: []pkix.Extension{
			{Id: oidAPNsDevelopment, Value: []byte{0x05, 0x00}},
		},
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return
	}
	cert, err = x509.ParseCertificate(certBytes)
	return
}

// PushCertPEM generates a push certificate for topic and returns the
// PEM encoded certificate and private key.
func PushCertPEM(topic string) (certPEM, keyPEM []byte, err error) {
	key, cert, err := SelfSignedPushCert(topic, 1)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return
}

// PushCertPKCS12 generates a push certificate for topic and returns it
// as a PKCS#12 container encrypted with password.
func PushCertPKCS12(topic, password string) ([]byte, error) {
	key, cert, err := SelfSignedPushCert(topic, 1)
	if err != nil {
		return nil, err
	}
	return pkcs12.Modern.Encode(key, cert, nil, password)
}

// TokenKeyPEM generates a P-256 provider token key and returns it with
// its PKCS#8 PEM encoding.
func TokenKeyPEM() (*ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
