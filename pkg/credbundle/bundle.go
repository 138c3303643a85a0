package credbundle

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// Bundle is a verified credential bundle: an identity certificate, an opaque
// private-key archive, an entitlement document, and a signature over the
// document made with the certificate's key.
//
// Bundles are only produced by Codec.NewBundle (which signs) and
// Codec.Decode (which verifies); the zero value is not usable.
type Bundle struct {
	certificate         *x509.Certificate
	keyArchive          []byte
	entitlementDocument []byte
	signature           []byte
}

// NewBundle builds a Bundle from its parts, signing entitlements with
// privateKey. The key must belong to the certificate.
func (c *Codec) NewBundle(certificateDER, keyArchive, entitlements []byte, privateKey crypto.PrivateKey) (*Bundle, error) {
	cert, err := c.provider.ParseCertificate(cloneBytes(certificateDER))
	if err != nil {
		if !errors.Is(err, ErrInvalidCertificate) {
			err = kindErr(ErrInvalidCertificate, err)
		}
		return nil, fieldErr("create", fieldCertificate, err)
	}

	signature, err := c.provider.Sign(entitlements, privateKey)
	if err != nil {
		return nil, fieldErr("sign", fieldEntitlement, err)
	}
	// A key from another identity fails here.
	if err := c.provider.Verify(cert, entitlements, signature); err != nil {
		if errors.Is(err, ErrInvalidCertificate) {
			return nil, fieldErr("create", fieldCertificate, err)
		}
		if errors.Is(err, ErrSignatureVerificationFailed) {
			err = ErrKeyMismatch
		}
		return nil, fieldErr("sign", fieldEntitlement, err)
	}

	return &Bundle{
		certificate:         cert,
		keyArchive:          cloneBytes(keyArchive),
		entitlementDocument: cloneBytes(entitlements),
		signature:           signature,
	}, nil
}

// Certificate returns the parsed identity certificate.
func (b *Bundle) Certificate() *x509.Certificate { return b.certificate }

// CertificateDER returns a copy of the certificate's DER encoding.
func (b *Bundle) CertificateDER() []byte { return cloneBytes(b.certificate.Raw) }

// KeyArchive returns a copy of the private-key archive bytes.
func (b *Bundle) KeyArchive() []byte { return cloneBytes(b.keyArchive) }

// EntitlementDocument returns a copy of the signed entitlement document.
func (b *Bundle) EntitlementDocument() []byte { return cloneBytes(b.entitlementDocument) }

// Signature returns a copy of the signature over the entitlement document.
func (b *Bundle) Signature() []byte { return cloneBytes(b.signature) }

// DisplayName summarises the certificate subject: the common name, else the
// first organization, else the full distinguished name.
func (b *Bundle) DisplayName() string {
	subject := b.certificate.Subject
	if subject.CommonName != "" {
		return subject.CommonName
	}
	if len(subject.Organization) > 0 && subject.Organization[0] != "" {
		return subject.Organization[0]
	}
	return subject.String()
}

// ExpiryDate is the end of the certificate's validity period.
func (b *Bundle) ExpiryDate() time.Time { return b.certificate.NotAfter }

// IsExpired reports whether the certificate has expired at now.
func (b *Bundle) IsExpired(now time.Time) bool { return now.After(b.certificate.NotAfter) }

// Equal reports whether two bundles carry identical bytes in every field.
func (b *Bundle) Equal(other *Bundle) bool {
	if b == nil || other == nil {
		return b == other
	}
	return bytes.Equal(b.certificate.Raw, other.certificate.Raw) &&
		bytes.Equal(b.keyArchive, other.keyArchive) &&
		bytes.Equal(b.entitlementDocument, other.entitlementDocument) &&
		bytes.Equal(b.signature, other.signature)
}

func (b *Bundle) String() string {
	return fmt.Sprintf("Bundle(%s, expires %s)", b.DisplayName(), b.ExpiryDate().Format("2006-01-02"))
}
