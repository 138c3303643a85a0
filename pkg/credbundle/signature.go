package credbundle

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
)

// Sign signs message with key. RSA keys use PKCS#1 v1.5 over SHA-256 and
// Ed25519 keys sign the message directly; both are deterministic, so the
// same document and key always produce the same signature.
func Sign(message []byte, key crypto.PrivateKey) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		digest := sha256.Sum256(message)
		sig, err := rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, digest[:])
		if err != nil {
			return nil, fmt.Errorf("failed to sign: %w", err)
		}
		return sig, nil
	case ed25519.PrivateKey:
		if len(k) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("%w: ed25519 key is %d bytes", ErrUnsupportedKey, len(k))
		}
		return ed25519.Sign(k, message), nil
	case *ed25519.PrivateKey:
		return Sign(message, *k)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// Verify checks that signature is a valid signature over message by the
// public key in cert, after a minimal sanity check of cert itself. There is
// no chain building: bundle certificates are usually self- or peer-issued.
func Verify(cert *x509.Certificate, message, signature []byte) error {
	if err := checkCertificate(cert); err != nil {
		return err
	}

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
			return kindErr(ErrSignatureVerificationFailed, err)
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, message, signature) {
			return ErrSignatureVerificationFailed
		}
		return nil
	default:
		return fmt.Errorf("%w: public key %T (%v)", ErrUnsupportedAlgorithm, cert.PublicKey, cert.PublicKeyAlgorithm)
	}
}

// checkCertificate rejects certificates that are structurally unusable for
// signing. Expiry is not checked.
func checkCertificate(cert *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("%w: missing certificate", ErrInvalidCertificate)
	}
	if cert.PublicKey == nil {
		return fmt.Errorf("%w: no public key", ErrInvalidCertificate)
	}
	if cert.NotAfter.Before(cert.NotBefore) {
		return fmt.Errorf("%w: validity ends (%s) before it starts (%s)",
			ErrInvalidCertificate, cert.NotAfter, cert.NotBefore)
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return fmt.Errorf("%w: key usage does not permit digital signatures", ErrInvalidCertificate)
	}
	// A self-issued certificate must at least carry a valid self-signature.
	if len(cert.RawIssuer) > 0 && bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature)
		var insecure x509.InsecureAlgorithmError
		if err != nil && !errors.As(err, &insecure) {
			return kindErr(ErrInvalidCertificate, fmt.Errorf("self-signature: %w", err))
		}
	}
	return nil
}

// keyMatchesCert checks if a private key matches a certificate's public key
func keyMatchesCert(privateKey crypto.PrivateKey, cert *x509.Certificate) bool {
	switch priv := privateKey.(type) {
	case *rsa.PrivateKey:
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return priv.N.Cmp(pub.N) == 0 && priv.E == pub.E
		}
	case ed25519.PrivateKey:
		if pub, ok := cert.PublicKey.(ed25519.PublicKey); ok {
			return bytes.Equal(priv.Public().(ed25519.PublicKey), pub)
		}
	case *ed25519.PrivateKey:
		return keyMatchesCert(*priv, cert)
	}
	return false
}
