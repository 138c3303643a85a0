package credbundle

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by this package wraps exactly one of
// these, so callers can branch with errors.Is.
var (
	ErrTruncatedInput              = errors.New("truncated input")
	ErrMalformedContainer          = errors.New("malformed container")
	ErrChunkTooLarge               = errors.New("chunk exceeds 4 GiB")
	ErrInvalidCertificate          = errors.New("invalid certificate")
	ErrUnsupportedAlgorithm        = errors.New("unsupported algorithm")
	ErrUnsupportedKey              = errors.New("unsupported key")
	ErrKeyMismatch                 = errors.New("private key does not match certificate")
	ErrDecryptionFailed            = errors.New("decryption failed")
	ErrNoCipher                    = errors.New("no cipher configured")
	ErrSignatureVerificationFailed = errors.New("signature verification failed")
	ErrIO                          = errors.New("i/o error")
)

// FieldError records which step and which container field an operation
// failed on.
type FieldError struct {
	Op    string // "decode", "encode", "sniff", ...
	Field string // "certificate", "keyArchive", "entitlementDocument", "signature", or ""
	Err   error
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

func fieldErr(op, field string, err error) error {
	return &FieldError{Op: op, Field: field, Err: err}
}

// kindErr joins a sentinel kind with the underlying cause so that both
// errors.Is(err, kind) and errors.Is(err, cause) hold.
func kindErr(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}
