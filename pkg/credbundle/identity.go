package credbundle

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// SigningIdentity represents a code signing identity (certificate + private key)
// recovered from a key archive.
type SigningIdentity struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
	CertChain   []*x509.Certificate
	TeamID      string
}

// LoadSigningIdentity loads a signing identity from a PKCS#12 archive. PEM
// data holding a private key (and optionally a certificate) is accepted too.
func LoadSigningIdentity(archive []byte, password string) (*SigningIdentity, error) {
	// Check if this is PEM data
	if bytes.HasPrefix(bytes.TrimSpace(archive), []byte("-----BEGIN")) {
		return loadPEMIdentity(archive)
	}

	privateKey, cert, caCerts, err := gop12.DecodeChain(archive, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12: %w", err)
	}

	chain := []*x509.Certificate{cert}
	chain = append(chain, caCerts...)

	return &SigningIdentity{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertChain:   chain,
		TeamID:      extractTeamID(cert),
	}, nil
}

// loadPEMIdentity walks every PEM block, keeping the first private key and
// the first certificate.
func loadPEMIdentity(pemData []byte) (*SigningIdentity, error) {
	identity := &SigningIdentity{}
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		var err error
		switch block.Type {
		case "RSA PRIVATE KEY":
			identity.PrivateKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			identity.PrivateKey, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			identity.PrivateKey, err = x509.ParseECPrivateKey(block.Bytes)
		case "CERTIFICATE":
			var cert *x509.Certificate
			if cert, err = x509.ParseCertificate(block.Bytes); err == nil {
				if identity.Certificate == nil {
					identity.Certificate = cert
				}
				identity.CertChain = append(identity.CertChain, cert)
			}
		default:
			return nil, fmt.Errorf("unsupported PEM type: %s", block.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", block.Type, err)
		}
	}

	if identity.PrivateKey == nil {
		return nil, fmt.Errorf("failed to decode PEM block: no private key found")
	}
	if identity.Certificate != nil {
		identity.TeamID = extractTeamID(identity.Certificate)
	}
	return identity, nil
}

func extractTeamID(cert *x509.Certificate) string {
	// Team ID is typically in the Organizational Unit field
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 { // Apple Team IDs are 10 characters
			return ou
		}
	}
	return ""
}

// NewBundleFromP12 builds a Bundle whose key archive is the PKCS#12 file
// itself. The certificate and signing key are taken from the archive and the
// entitlement document (normally a .mobileprovision) is signed with that key.
func (c *Codec) NewBundleFromP12(p12Data []byte, password string, entitlements []byte) (*Bundle, error) {
	identity, err := LoadSigningIdentity(p12Data, password)
	if err != nil {
		return nil, fieldErr("create", fieldKeyArchive, err)
	}
	if identity.Certificate == nil {
		return nil, fieldErr("create", fieldKeyArchive, fmt.Errorf("%w: key archive holds no certificate", ErrInvalidCertificate))
	}
	return c.NewBundle(identity.Certificate.Raw, p12Data, entitlements, identity.PrivateKey)
}

// Identity opens the bundle's key archive with password and checks that the
// private key inside belongs to the bundle's certificate.
func (b *Bundle) Identity(password string) (*SigningIdentity, error) {
	identity, err := LoadSigningIdentity(b.keyArchive, password)
	if err != nil {
		return nil, fieldErr("identity", fieldKeyArchive, err)
	}
	if !keyMatchesCert(identity.PrivateKey, b.certificate) {
		return nil, fieldErr("identity", fieldKeyArchive, ErrKeyMismatch)
	}
	// The bundle's certificate is authoritative.
	identity.Certificate = b.certificate
	identity.TeamID = extractTeamID(b.certificate)
	return identity, nil
}
