package credbundle

import (
	"bytes"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/blacktop/go-macho"
	"go.mozilla.org/pkcs7"
)

// Code signature constants from Apple's cs_blobs.h
const (
	csMagicEmbeddedSignature = 0xfade0cc0
	csMagicBlobWrapper       = 0xfade0b01
	csSlotCMSSignature       = 0x10000
)

// BinarySignerCertificates returns the CMS signer certificate of every
// architecture slice of the Mach-O binary at path, in slice order.
func BinarySignerCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kindErr(ErrIO, fmt.Errorf("failed to read binary: %w", err))
	}

	m, thinErr := macho.NewFile(bytes.NewReader(data))
	if thinErr == nil {
		defer m.Close()
		cert, err := thinSignerCertificate(data, m)
		if err != nil {
			return nil, err
		}
		return []*x509.Certificate{cert}, nil
	}

	// Try as fat binary
	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if errors.Is(err, macho.ErrNotFat) {
		// Thin magic, so the thin parse error is the real one
		return nil, fmt.Errorf("failed to parse Mach-O %s: %w", path, thinErr)
	}
	if err != nil {
		return nil, fmt.Errorf("%s is not a Mach-O binary: %w", path, err)
	}
	defer fat.Close()

	certs := make([]*x509.Certificate, 0, len(fat.Arches))
	for i, arch := range fat.Arches {
		end := uint64(arch.Offset) + uint64(arch.Size)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("arch %d extends beyond file", i)
		}
		archData := data[arch.Offset:end]

		am, err := macho.NewFile(bytes.NewReader(archData))
		if err != nil {
			return nil, fmt.Errorf("failed to parse arch %d: %w", i, err)
		}
		cert, err := thinSignerCertificate(archData, am)
		am.Close()
		if err != nil {
			return nil, fmt.Errorf("arch %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func thinSignerCertificate(data []byte, m *macho.File) (*x509.Certificate, error) {
	for _, load := range m.Loads {
		cs, ok := load.(*macho.CodeSignature)
		if !ok {
			continue
		}
		end := uint64(cs.Offset) + uint64(cs.Size)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("code signature extends beyond file")
		}
		cms, err := extractCMSBlob(data[cs.Offset:end])
		if err != nil {
			return nil, err
		}
		return cmsSignerCertificate(cms)
	}
	return nil, fmt.Errorf("no code signature found")
}

// extractCMSBlob returns the CMS payload from an embedded-signature
// SuperBlob. All SuperBlob fields are big-endian.
func extractCMSBlob(sigData []byte) ([]byte, error) {
	if len(sigData) < 12 {
		return nil, fmt.Errorf("signature data too short")
	}
	if magic := binary.BigEndian.Uint32(sigData[0:4]); magic != csMagicEmbeddedSignature {
		return nil, fmt.Errorf("invalid SuperBlob magic: 0x%x", magic)
	}
	count := binary.BigEndian.Uint32(sigData[8:12])
	if uint64(len(sigData)) < 12+uint64(count)*8 {
		return nil, fmt.Errorf("signature data too short for blob index")
	}

	for i := uint32(0); i < count; i++ {
		entry := 12 + i*8
		if binary.BigEndian.Uint32(sigData[entry:]) != csSlotCMSSignature {
			continue
		}
		offset := uint64(binary.BigEndian.Uint32(sigData[entry+4:]))
		if offset+8 > uint64(len(sigData)) {
			return nil, fmt.Errorf("CMS blob offset out of range")
		}
		if magic := binary.BigEndian.Uint32(sigData[offset:]); magic != csMagicBlobWrapper {
			return nil, fmt.Errorf("invalid CMS blob magic: 0x%x", magic)
		}
		length := uint64(binary.BigEndian.Uint32(sigData[offset+4:]))
		if length < 8 || offset+length > uint64(len(sigData)) {
			return nil, fmt.Errorf("CMS blob length out of range")
		}
		return sigData[offset+8 : offset+length], nil
	}
	return nil, fmt.Errorf("code signature has no CMS blob (ad-hoc signed?)")
}

func cmsSignerCertificate(cms []byte) (*x509.Certificate, error) {
	p7, err := pkcs7.Parse(cms)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CMS signature: %w", err)
	}
	for _, signer := range p7.Signers {
		for _, cert := range p7.Certificates {
			if cert.SerialNumber.Cmp(signer.IssuerAndSerialNumber.SerialNumber) == 0 {
				return cert, nil
			}
		}
	}
	return nil, fmt.Errorf("CMS signature carries no signer certificate")
}

// SignedBinary reports whether every slice of the Mach-O binary at path was
// signed with the bundle's certificate.
func (b *Bundle) SignedBinary(path string) (bool, error) {
	certs, err := BinarySignerCertificates(path)
	if err != nil {
		return false, err
	}
	for _, cert := range certs {
		if !cert.Equal(b.certificate) {
			return false, nil
		}
	}
	return len(certs) > 0, nil
}
