package credbundle

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

const (
	testTeamID      = "ABCDE12345"
	testCommonName  = "Apple Development: Test Developer (" + testTeamID + ")"
	testP12Password = "secret"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyErr  error
)

// getTestKey returns a 2048-bit RSA key shared by all tests; generating one
// per test is slow.
func getTestKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		testKey, testKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if testKeyErr != nil {
		t.Fatalf("Failed to generate RSA key: %v", testKeyErr)
	}
	return testKey
}

// newTestCertificate creates a self-signed certificate for key. mutate may
// adjust the template before signing.
func newTestCertificate(t testing.TB, key crypto.Signer, mutate func(*x509.Certificate)) *x509.Certificate {
	t.Helper()
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("Failed to generate serial: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         testCommonName,
			OrganizationalUnit: []string{testTeamID},
			Organization:       []string{"Test Developer"},
			Country:            []string{"US"},
		},
		NotBefore:   time.Now().Add(-time.Hour).UTC().Truncate(time.Second),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour).UTC().Truncate(time.Second),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	if mutate != nil {
		mutate(template)
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert
}

// newTestProfile builds a CMS-signed .mobileprovision listing cert.
func newTestProfile(t testing.TB, cert *x509.Certificate, key crypto.PrivateKey, expires time.Time) []byte {
	t.Helper()
	profile := ProvisioningProfile{
		Name:                        "Test Profile",
		TeamName:                    "Test Developer",
		TeamIdentifier:              []string{testTeamID},
		AppIDName:                   "Test App",
		ApplicationIdentifierPrefix: []string{testTeamID},
		Entitlements: map[string]interface{}{
			"application-identifier":              testTeamID + ".com.example.testapp",
			"com.apple.developer.team-identifier": testTeamID,
			"get-task-allow":                      true,
		},
		DeveloperCertificates: [][]byte{cert.Raw},
		ProvisionedDevices:    []string{"00008030-001A2B3C4D5E6F70"},
		CreationDate:          time.Now().Add(-time.Hour).UTC().Truncate(time.Second),
		ExpirationDate:        expires.UTC().Truncate(time.Second),
		UUID:                  "4C1E2A9B-0F7D-4E55-9C1B-5B2B7E3F0A11",
		Platform:              []string{"iOS"},
	}
	content, err := plist.Marshal(profile, plist.XMLFormat)
	if err != nil {
		t.Fatalf("Failed to marshal profile plist: %v", err)
	}
	signedData, err := pkcs7.NewSignedData(content)
	if err != nil {
		t.Fatalf("Failed to create signed data: %v", err)
	}
	if err := signedData.AddSigner(cert, key, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("Failed to add signer: %v", err)
	}
	der, err := signedData.Finish()
	if err != nil {
		t.Fatalf("Failed to finish signed data: %v", err)
	}
	return der
}

// newTestP12 encodes key and cert as a PKCS#12 archive protected by
// testP12Password.
func newTestP12(t testing.TB, key crypto.PrivateKey, cert *x509.Certificate) []byte {
	t.Helper()
	data, err := gop12.Modern.Encode(key, cert, nil, testP12Password)
	if err != nil {
		t.Fatalf("Failed to encode P12: %v", err)
	}
	return data
}

func randomBytes(t testing.TB, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("Failed to read random bytes: %v", err)
	}
	return b
}

func newTestKeyCipher(t testing.TB) *KeyCipher {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	c, err := NewKeyCipher(key)
	if err != nil {
		t.Fatalf("NewKeyCipher failed: %v", err)
	}
	return c
}

// fakeProvider is a deterministic CryptoProvider: any DER SEQUENCE is a
// "certificate", signatures are SHA-256 digests and encryption is a
// reversible XOR with a tag byte.
type fakeProvider struct{}

const fakeCipherTag = 0xEE

func (fakeProvider) ParseCertificate(der []byte) (*x509.Certificate, error) {
	if len(der) == 0 || der[0] != derSequenceTag {
		return nil, ErrInvalidCertificate
	}
	return &x509.Certificate{
		Raw:       der,
		Subject:   pkix.Name{CommonName: "fake"},
		NotBefore: time.Unix(0, 0),
		NotAfter:  time.Unix(1<<32, 0),
	}, nil
}

func (fakeProvider) Sign(message []byte, _ crypto.PrivateKey) ([]byte, error) {
	sum := sha256.Sum256(message)
	return sum[:], nil
}

func (fakeProvider) Verify(_ *x509.Certificate, message, signature []byte) error {
	sum := sha256.Sum256(message)
	if !bytes.Equal(sum[:], signature) {
		return ErrSignatureVerificationFailed
	}
	return nil
}

func (fakeProvider) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, 0, len(plaintext)+1)
	out = append(out, fakeCipherTag)
	for _, b := range plaintext {
		out = append(out, b^0x5a)
	}
	return out, nil
}

func (fakeProvider) Decrypt(ciphertext []byte, originalLength int) ([]byte, error) {
	if len(ciphertext) == 0 || ciphertext[0] != fakeCipherTag {
		return nil, errors.New("missing tag")
	}
	out := make([]byte, 0, len(ciphertext)-1)
	for _, b := range ciphertext[1:] {
		out = append(out, b^0x5a)
	}
	if len(out) != originalLength {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}
