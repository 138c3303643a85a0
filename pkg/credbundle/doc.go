// Package credbundle implements a signed, optionally encrypted container
// that carries everything needed to re-sign an iOS app: an identity
// certificate, a private-key archive (normally PKCS#12) and a provisioning
// profile, plus a signature over the profile made with the certificate's key.
//
// # Basic Usage
//
// To create a container from a P12 and a provisioning profile:
//
//	key, _ := credbundle.LoadKeyFile("bundle.key")
//	cipher, _ := credbundle.NewKeyCipher(key)
//	codec := credbundle.NewCodec(credbundle.NewProvider(cipher))
//	bundle, err := codec.NewBundleFromP12(p12Data, password, profileData)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	path, err := codec.SaveFile(bundle, "team", credbundle.VariantEncrypted)
//
// To read one back:
//
//	bundle, err := codec.LoadFile(path)
//
// Decode returns a Bundle only after the signature verifies; there is no
// way to obtain an unverified Bundle.
//
// # Wire Format
//
// Legacy containers are four length-prefixed chunks (u32be length, then
// bytes): certificate DER, key archive, entitlement document, signature.
// Encrypted containers start with the byte 0x01; the certificate and the
// signature stay cleartext chunks while the key archive and the entitlement
// document are each written as u32be plaintext length, u32be ciphertext
// length, ciphertext. Both layouts are read through the same Decode.
//
// # Errors
//
// Every failure wraps one of the Err* kinds (ErrTruncatedInput,
// ErrInvalidCertificate, ErrDecryptionFailed, ErrSignatureVerificationFailed,
// ...) inside a *FieldError naming the step and field that failed.
//
// In the encrypted layout the key archive and entitlement document are
// decrypted before the signature is checked, so a modified ciphertext fails
// with ErrDecryptionFailed rather than ErrSignatureVerificationFailed.
// Certificate checks made during verification report the certificate field.
package credbundle
