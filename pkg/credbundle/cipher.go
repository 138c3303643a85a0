package credbundle

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"filippo.io/age"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Cipher is the confidentiality layer applied to the key archive and the
// entitlement document in the encrypted variant. The ciphertext format is
// private to each implementation.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	// Decrypt returns exactly originalLength bytes or fails with
	// ErrDecryptionFailed.
	Decrypt(ciphertext []byte, originalLength int) ([]byte, error)
}

// KeySize is the size of a KeyCipher master key.
const KeySize = 32

// Scheme bytes leading every KeyCipher/PassphraseCipher blob. Both are bound
// into the AEAD additional data.
const (
	schemeKey        byte = 0x01
	schemePassphrase byte = 0x02
)

const saltSize = 16

// Changing this invalidates every blob sealed by a KeyCipher.
var hkdfInfoField = []byte("credbundle.field.v1")

// KeyCipher seals blobs with XChaCha20-Poly1305 under a per-blob key derived
// from a 32-byte master key with HKDF-SHA256 and a random salt.
//
// Blob layout: 0x01 | salt(16) | nonce(24) | ciphertext+tag
type KeyCipher struct {
	key []byte
}

// NewKeyCipher returns a KeyCipher for a 32-byte master key.
func NewKeyCipher(key []byte) (*KeyCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(key))
	}
	return &KeyCipher{key: cloneBytes(key)}, nil
}

// GenerateKey returns a fresh random master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// LoadKeyFile reads a master key stored either as 32 raw bytes or as 64 hex
// characters (surrounding whitespace ignored).
func LoadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kindErr(ErrIO, fmt.Errorf("failed to read key file: %w", err))
	}
	if len(data) == KeySize {
		return data, nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(key) != KeySize {
		return nil, fmt.Errorf("key file %s must hold %d raw bytes or %d hex characters", path, KeySize, 2*KeySize)
	}
	return key, nil
}

func (c *KeyCipher) Encrypt(plaintext []byte) ([]byte, error) {
	header := make([]byte, 1+saltSize)
	header[0] = schemeKey
	if _, err := rand.Read(header[1:]); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	fieldKey, err := c.deriveFieldKey(header[1:])
	if err != nil {
		return nil, err
	}
	return sealBlob(header, fieldKey, plaintext)
}

func (c *KeyCipher) Decrypt(ciphertext []byte, originalLength int) ([]byte, error) {
	headerSize := 1 + saltSize
	if len(ciphertext) < headerSize || ciphertext[0] != schemeKey {
		return nil, fmt.Errorf("%w: not a key-sealed blob", ErrDecryptionFailed)
	}
	fieldKey, err := c.deriveFieldKey(ciphertext[1:headerSize])
	if err != nil {
		return nil, err
	}
	return openBlob(ciphertext[:headerSize], fieldKey, ciphertext[headerSize:], originalLength)
}

func (c *KeyCipher) deriveFieldKey(salt []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.key, salt, hkdfInfoField), key); err != nil {
		return nil, fmt.Errorf("failed to derive field key: %w", err)
	}
	return key, nil
}

// KDFParams are the Argon2id cost parameters of a PassphraseCipher. Memory is
// in KiB.
type KDFParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultKDFParams follows the RFC 9106 second recommended option.
var DefaultKDFParams = KDFParams{Time: 3, Memory: 64 * 1024, Threads: 4}

// Upper bounds accepted when opening a blob, so a crafted container cannot
// demand unbounded work.
const (
	maxKDFTime   = 64
	maxKDFMemory = 1024 * 1024
)

// PassphraseCipher derives a per-blob key from a passphrase with Argon2id and
// seals with XChaCha20-Poly1305. The cost parameters travel in the blob.
//
// Blob layout: 0x02 | time u32be | memory u32be | threads u8 | salt(16) | nonce(24) | ciphertext+tag
type PassphraseCipher struct {
	passphrase []byte
	params     KDFParams
}

// NewPassphraseCipher returns a PassphraseCipher. Zero params select
// DefaultKDFParams.
func NewPassphraseCipher(passphrase string, params KDFParams) (*PassphraseCipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase is required")
	}
	if params == (KDFParams{}) {
		params = DefaultKDFParams
	}
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		return nil, fmt.Errorf("invalid KDF parameters %+v", params)
	}
	return &PassphraseCipher{passphrase: []byte(passphrase), params: params}, nil
}

const passphraseHeaderSize = 1 + 4 + 4 + 1 + saltSize

func (c *PassphraseCipher) Encrypt(plaintext []byte) ([]byte, error) {
	header := make([]byte, 0, passphraseHeaderSize)
	header = append(header, schemePassphrase)
	header = appendUint32(header, c.params.Time)
	header = appendUint32(header, c.params.Memory)
	header = append(header, c.params.Threads)
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	header = append(header, salt...)

	key := argon2.IDKey(c.passphrase, salt, c.params.Time, c.params.Memory, c.params.Threads, chacha20poly1305.KeySize)
	return sealBlob(header, key, plaintext)
}

func (c *PassphraseCipher) Decrypt(ciphertext []byte, originalLength int) ([]byte, error) {
	if len(ciphertext) < passphraseHeaderSize || ciphertext[0] != schemePassphrase {
		return nil, fmt.Errorf("%w: not a passphrase-sealed blob", ErrDecryptionFailed)
	}
	header := ciphertext[:passphraseHeaderSize]
	params := KDFParams{
		Time:    binary.BigEndian.Uint32(header[1:5]),
		Memory:  binary.BigEndian.Uint32(header[5:9]),
		Threads: header[9],
	}
	if params.Time == 0 || params.Time > maxKDFTime || params.Memory == 0 || params.Memory > maxKDFMemory || params.Threads == 0 {
		return nil, fmt.Errorf("%w: unacceptable KDF parameters %+v", ErrDecryptionFailed, params)
	}
	salt := header[10:]

	key := argon2.IDKey(c.passphrase, salt, params.Time, params.Memory, params.Threads, chacha20poly1305.KeySize)
	return openBlob(header, key, ciphertext[passphraseHeaderSize:], originalLength)
}

// sealBlob returns header | nonce | AEAD(plaintext). The header and the
// plaintext length are authenticated as additional data.
func sealBlob(header, key, plaintext []byte) ([]byte, error) {
	if uint64(len(plaintext)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(plaintext))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	aad := appendUint32(cloneBytes(header), uint32(len(plaintext)))
	out := make([]byte, 0, len(header)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

func openBlob(header, key, body []byte, originalLength int) ([]byte, error) {
	if originalLength < 0 || uint64(originalLength) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: invalid original length %d", ErrDecryptionFailed, originalLength)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(body) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce := body[:chacha20poly1305.NonceSizeX]
	aad := appendUint32(cloneBytes(header), uint32(originalLength))
	plaintext, err := aead.Open(nil, nonce, body[chacha20poly1305.NonceSizeX:], aad)
	if err != nil {
		return nil, kindErr(ErrDecryptionFailed, err)
	}
	if len(plaintext) != originalLength {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrDecryptionFailed, len(plaintext), originalLength)
	}
	return plaintext, nil
}

// AgeCipher encrypts to age X25519 recipients and decrypts with age
// identities. Identities double as recipients when no explicit recipients
// are given, so a single identity file can both write and read containers.
type AgeCipher struct {
	recipients []age.Recipient
	identities []age.Identity
}

// NewAgeCipher returns an AgeCipher. At least one recipient or identity is
// required.
func NewAgeCipher(recipients []age.Recipient, identities []age.Identity) (*AgeCipher, error) {
	if len(recipients) == 0 {
		for _, id := range identities {
			if x, ok := id.(*age.X25519Identity); ok {
				recipients = append(recipients, x.Recipient())
			}
		}
	}
	if len(recipients) == 0 && len(identities) == 0 {
		return nil, fmt.Errorf("at least one age recipient or identity is required")
	}
	return &AgeCipher{recipients: recipients, identities: identities}, nil
}

// ParseAgeRecipients parses age1... public keys.
func ParseAgeRecipients(keys []string) ([]age.Recipient, error) {
	recipients := make([]age.Recipient, 0, len(keys))
	for _, key := range keys {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, r)
	}
	return recipients, nil
}

// LoadAgeIdentities reads an age identity file (AGE-SECRET-KEY-1... lines).
func LoadAgeIdentities(path string) ([]age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kindErr(ErrIO, fmt.Errorf("failed to open identity file: %w", err))
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file %s: %w", path, err)
	}
	return identities, nil
}

func (c *AgeCipher) Encrypt(plaintext []byte) ([]byte, error) {
	if len(c.recipients) == 0 {
		return nil, fmt.Errorf("%w: no age recipients", ErrNoCipher)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, c.recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *AgeCipher) Decrypt(ciphertext []byte, originalLength int) ([]byte, error) {
	if len(c.identities) == 0 {
		return nil, fmt.Errorf("%w: no age identities", ErrNoCipher)
	}
	if originalLength < 0 {
		return nil, fmt.Errorf("%w: invalid original length %d", ErrDecryptionFailed, originalLength)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), c.identities...)
	if err != nil {
		return nil, kindErr(ErrDecryptionFailed, err)
	}
	plaintext, err := io.ReadAll(io.LimitReader(r, int64(originalLength)+1))
	if err != nil {
		return nil, kindErr(ErrDecryptionFailed, err)
	}
	if len(plaintext) != originalLength {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrDecryptionFailed, len(plaintext), originalLength)
	}
	return plaintext, nil
}
