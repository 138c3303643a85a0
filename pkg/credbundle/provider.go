package credbundle

import (
	"crypto"
	"crypto/x509"
)

// CryptoProvider supplies every cryptographic primitive the codec needs.
// Codec depends only on this interface.
type CryptoProvider interface {
	ParseCertificate(der []byte) (*x509.Certificate, error)
	Sign(message []byte, key crypto.PrivateKey) ([]byte, error)
	Verify(cert *x509.Certificate, message, signature []byte) error
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte, originalLength int) ([]byte, error)
}

// Provider is the standard CryptoProvider: crypto/x509 certificates,
// Sign/Verify from this package, and an optional Cipher for the encrypted
// variant. A Provider without a Cipher handles legacy containers only.
type Provider struct {
	cipher Cipher
}

// NewProvider returns a Provider. cipher may be nil.
func NewProvider(cipher Cipher) *Provider {
	return &Provider{cipher: cipher}
}

func (p *Provider) ParseCertificate(der []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, kindErr(ErrInvalidCertificate, err)
	}
	return cert, nil
}

func (p *Provider) Sign(message []byte, key crypto.PrivateKey) ([]byte, error) {
	return Sign(message, key)
}

func (p *Provider) Verify(cert *x509.Certificate, message, signature []byte) error {
	return Verify(cert, message, signature)
}

func (p *Provider) Encrypt(plaintext []byte) ([]byte, error) {
	if p.cipher == nil {
		return nil, ErrNoCipher
	}
	return p.cipher.Encrypt(plaintext)
}

func (p *Provider) Decrypt(ciphertext []byte, originalLength int) ([]byte, error) {
	if p.cipher == nil {
		return nil, ErrNoCipher
	}
	return p.cipher.Decrypt(ciphertext, originalLength)
}
