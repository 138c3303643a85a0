package credbundle

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// Variant selects one of the two wire layouts.
type Variant uint8

const (
	// VariantLegacy is four cleartext chunks with no marker byte.
	VariantLegacy Variant = 0
	// VariantEncrypted starts with the 0x01 marker and seals the key
	// archive and entitlement document with the provider's cipher.
	VariantEncrypted Variant = 1
)

func (v Variant) String() string {
	switch v {
	case VariantLegacy:
		return "legacy"
	case VariantEncrypted:
		return "encrypted"
	default:
		return fmt.Sprintf("variant(%d)", uint8(v))
	}
}

// VariantFor maps a useEncryption flag to a Variant.
func VariantFor(useEncryption bool) Variant {
	if useEncryption {
		return VariantEncrypted
	}
	return VariantLegacy
}

const (
	encryptedMarker byte = 0x01
	derSequenceTag  byte = 0x30
)

// DefaultExtension is appended by SaveFile when the path lacks it. It is a
// hint only; Sniff decides what a file is.
const DefaultExtension = ".backdoor"

// Uploader is an optional collaborator told about every container written
// by SaveFile.
type Uploader interface {
	Upload(path string, data []byte) error
}

// Codec encodes and decodes credential bundles. It holds no mutable state
// and is safe for concurrent use.
type Codec struct {
	provider  CryptoProvider
	logger    *zap.Logger
	uploader  Uploader
	extension string
}

// Option configures a Codec.
type Option func(*Codec)

// WithLogger sets the logger used for debug tracing. Key material is never
// logged.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Codec) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithUploader sets the collaborator SaveFile hands written containers to.
func WithUploader(u Uploader) Option {
	return func(c *Codec) { c.uploader = u }
}

// WithExtension overrides DefaultExtension. ext must include the dot.
func WithExtension(ext string) Option {
	return func(c *Codec) {
		if ext != "" {
			c.extension = ext
		}
	}
}

// NewCodec returns a Codec backed by provider.
func NewCodec(provider CryptoProvider, opts ...Option) *Codec {
	c := &Codec{
		provider:  provider,
		logger:    zap.NewNop(),
		extension: DefaultExtension,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// detectVariant is the single point where the wire layout is chosen. The
// marker alone is not trusted: a legacy container whose certificate length
// happens to start with 0x01 is only read as encrypted if the byte where the
// encrypted layout expects the certificate's DER SEQUENCE tag holds one. In a
// legacy container that position holds the DER length byte instead.
func detectVariant(data []byte) (Variant, int) {
	if len(data) > 1+chunkHeaderSize && data[0] == encryptedMarker && data[1+chunkHeaderSize] == derSequenceTag {
		return VariantEncrypted, 1
	}
	return VariantLegacy, 0
}

// VariantOf reports which layout Decode reads data as. It does not validate
// anything past the first chunk header.
func VariantOf(data []byte) Variant {
	v, _ := detectVariant(data)
	return v
}

// Decode parses and verifies a container. It returns a Bundle only when the
// signature over the entitlement document verifies under the embedded
// certificate.
func (c *Codec) Decode(data []byte) (*Bundle, error) {
	variant, off := detectVariant(data)
	c.logger.Debug("decoding container", zap.Int("size", len(data)), zap.Stringer("variant", variant))

	r := newChunkReader(data, off)
	certDER, err := r.readChunk(fieldCertificate)
	if err != nil {
		return nil, fieldErr("decode", fieldCertificate, err)
	}
	cert, err := c.provider.ParseCertificate(cloneBytes(certDER))
	if err != nil {
		if !errors.Is(err, ErrInvalidCertificate) {
			err = kindErr(ErrInvalidCertificate, err)
		}
		return nil, fieldErr("decode", fieldCertificate, err)
	}

	keyArchive, err := c.readPayload(r, variant, fieldKeyArchive)
	if err != nil {
		return nil, err
	}
	entitlements, err := c.readPayload(r, variant, fieldEntitlement)
	if err != nil {
		return nil, err
	}

	signature, err := r.readChunk(fieldSignature)
	if err != nil {
		return nil, fieldErr("decode", fieldSignature, err)
	}
	if n := r.remaining(); n != 0 {
		return nil, fieldErr("decode", "", fmt.Errorf("%w: %d trailing bytes", ErrMalformedContainer, n))
	}

	if err := c.provider.Verify(cert, entitlements, signature); err != nil {
		return nil, fieldErr("verify", verifyField(err), err)
	}

	c.logger.Debug("container verified",
		zap.String("subject", cert.Subject.String()),
		zap.Int("keyArchiveSize", len(keyArchive)),
		zap.Int("entitlementSize", len(entitlements)))

	return &Bundle{
		certificate:         cert,
		keyArchive:          keyArchive,
		entitlementDocument: entitlements,
		signature:           cloneBytes(signature),
	}, nil
}

func (c *Codec) readPayload(r *chunkReader, variant Variant, field string) ([]byte, error) {
	if variant == VariantLegacy {
		b, err := r.readChunk(field)
		if err != nil {
			return nil, fieldErr("decode", field, err)
		}
		return cloneBytes(b), nil
	}

	plainLen, sealed, err := r.readSealed(field)
	if err != nil {
		return nil, fieldErr("decode", field, err)
	}
	plaintext, err := c.provider.Decrypt(sealed, int(plainLen))
	if err != nil {
		if !errors.Is(err, ErrDecryptionFailed) {
			err = kindErr(ErrDecryptionFailed, err)
		}
		return nil, fieldErr("decrypt", field, err)
	}
	if uint64(len(plaintext)) != uint64(plainLen) {
		return nil, fieldErr("decrypt", field,
			fmt.Errorf("%w: got %d bytes, want %d", ErrDecryptionFailed, len(plaintext), plainLen))
	}
	return plaintext, nil
}

// Encode serializes b in the given variant. The signature is written as is;
// Encode does not re-verify it.
func (c *Codec) Encode(b *Bundle, variant Variant) ([]byte, error) {
	if b == nil || b.certificate == nil {
		return nil, fieldErr("encode", fieldCertificate, fmt.Errorf("%w: bundle has no certificate", ErrInvalidCertificate))
	}

	size := 1 + 4*chunkHeaderSize + len(b.certificate.Raw) + len(b.keyArchive) + len(b.entitlementDocument) + len(b.signature)
	out := make([]byte, 0, size)
	switch variant {
	case VariantLegacy:
	case VariantEncrypted:
		out = append(out, encryptedMarker)
	default:
		return nil, fieldErr("encode", "", fmt.Errorf("%w: unknown variant %d", ErrMalformedContainer, variant))
	}

	var err error
	if out, err = appendChunk(out, b.certificate.Raw); err != nil {
		return nil, fieldErr("encode", fieldCertificate, err)
	}
	if out, err = c.appendPayload(out, variant, fieldKeyArchive, b.keyArchive); err != nil {
		return nil, err
	}
	if out, err = c.appendPayload(out, variant, fieldEntitlement, b.entitlementDocument); err != nil {
		return nil, err
	}
	if out, err = appendChunk(out, b.signature); err != nil {
		return nil, fieldErr("encode", fieldSignature, err)
	}

	c.logger.Debug("encoded container", zap.Int("size", len(out)), zap.Stringer("variant", variant))
	return out, nil
}

func (c *Codec) appendPayload(out []byte, variant Variant, field string, data []byte) ([]byte, error) {
	if variant == VariantLegacy {
		out, err := appendChunk(out, data)
		if err != nil {
			return nil, fieldErr("encode", field, err)
		}
		return out, nil
	}

	if uint64(len(data)) > math.MaxUint32 {
		return nil, fieldErr("encode", field, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(data)))
	}
	sealed, err := c.provider.Encrypt(data)
	if err != nil {
		return nil, fieldErr("encrypt", field, err)
	}
	out = appendUint32(out, uint32(len(data)))
	out, err = appendChunk(out, sealed)
	if err != nil {
		return nil, fieldErr("encode", field, err)
	}
	return out, nil
}

// Sniff reports whether data looks like a container: after marker handling
// the first chunk must be a DER SEQUENCE that parses as a certificate. It
// does not decrypt or verify anything.
func (c *Codec) Sniff(data []byte) bool {
	_, off := detectVariant(data)
	der, err := newChunkReader(data, off).readChunk(fieldCertificate)
	if err != nil || len(der) == 0 || der[0] != derSequenceTag {
		return false
	}
	_, err = c.provider.ParseCertificate(cloneBytes(der))
	return err == nil
}

// verifyField names the field a Verify failure belongs to. Certificate
// sanity checks run before the signature is looked at.
func verifyField(err error) string {
	if errors.Is(err, ErrInvalidCertificate) {
		return fieldCertificate
	}
	return fieldSignature
}
