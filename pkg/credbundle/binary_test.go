package credbundle

import (
	"crypto/x509"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.mozilla.org/pkcs7"
)

const (
	testCPUArm64  = 0x0100000c
	testCPUX86_64 = 0x01000007
)

// buildCodeDirectory emits a version 0x20001 code directory with no hash
// slots, the smallest form Mach-O parsers accept.
func buildCodeDirectory(ident string) []byte {
	const headerSize = 44
	id := append([]byte(ident), 0)
	length := headerSize + len(id)

	cd := binary.BigEndian.AppendUint32(nil, 0xfade0c02)
	cd = binary.BigEndian.AppendUint32(cd, uint32(length))
	cd = binary.BigEndian.AppendUint32(cd, 0x20001)        // version
	cd = binary.BigEndian.AppendUint32(cd, 0)              // flags
	cd = binary.BigEndian.AppendUint32(cd, uint32(length)) // hash offset
	cd = binary.BigEndian.AppendUint32(cd, headerSize)     // identifier offset
	cd = binary.BigEndian.AppendUint32(cd, 0)              // special slots
	cd = binary.BigEndian.AppendUint32(cd, 0)              // code slots
	cd = binary.BigEndian.AppendUint32(cd, 0)              // code limit
	cd = append(cd, 32, 2, 0, 12)                          // SHA-256, 4K pages
	cd = binary.BigEndian.AppendUint32(cd, 0)
	return append(cd, id...)
}

// buildSuperBlob assembles an embedded-signature SuperBlob holding a
// code directory and a CMS wrapper blob.
func buildSuperBlob(cms []byte) []byte {
	codeDir := buildCodeDirectory("com.example.testapp")
	wrapper := binary.BigEndian.AppendUint32(nil, csMagicBlobWrapper)
	wrapper = binary.BigEndian.AppendUint32(wrapper, uint32(8+len(cms)))
	wrapper = append(wrapper, cms...)

	headerSize := 12 + 2*8
	total := headerSize + len(codeDir) + len(wrapper)

	blob := binary.BigEndian.AppendUint32(nil, csMagicEmbeddedSignature)
	blob = binary.BigEndian.AppendUint32(blob, uint32(total))
	blob = binary.BigEndian.AppendUint32(blob, 2)
	blob = binary.BigEndian.AppendUint32(blob, 0) // code directory slot
	blob = binary.BigEndian.AppendUint32(blob, uint32(headerSize))
	blob = binary.BigEndian.AppendUint32(blob, csSlotCMSSignature)
	blob = binary.BigEndian.AppendUint32(blob, uint32(headerSize+len(codeDir)))
	blob = append(blob, codeDir...)
	blob = append(blob, wrapper...)
	return blob
}

// buildThinMachO emits a 64-bit executable whose only load command is
// LC_CODE_SIGNATURE pointing at sig.
func buildThinMachO(cpu uint32, sig []byte) []byte {
	const sigOffset = 0x40

	m := binary.LittleEndian.AppendUint32(nil, 0xfeedfacf)
	m = binary.LittleEndian.AppendUint32(m, cpu)
	m = binary.LittleEndian.AppendUint32(m, 0) // subtype
	m = binary.LittleEndian.AppendUint32(m, 2) // MH_EXECUTE
	m = binary.LittleEndian.AppendUint32(m, 1) // ncmds
	m = binary.LittleEndian.AppendUint32(m, 16)
	m = binary.LittleEndian.AppendUint32(m, 0) // flags
	m = binary.LittleEndian.AppendUint32(m, 0) // reserved

	m = binary.LittleEndian.AppendUint32(m, 0x1d) // LC_CODE_SIGNATURE
	m = binary.LittleEndian.AppendUint32(m, 16)
	m = binary.LittleEndian.AppendUint32(m, sigOffset)
	m = binary.LittleEndian.AppendUint32(m, uint32(len(sig)))

	m = append(m, make([]byte, sigOffset-len(m))...)
	return append(m, sig...)
}

// buildFatMachO wraps thin slices in a universal header, one slice per
// 4K-aligned offset. The CPU type is read back from each slice header.
func buildFatMachO(slices ...[]byte) []byte {
	const align = 0x1000

	f := binary.BigEndian.AppendUint32(nil, 0xcafebabe)
	f = binary.BigEndian.AppendUint32(f, uint32(len(slices)))

	offset := align
	var offsets []int
	for _, s := range slices {
		f = binary.BigEndian.AppendUint32(f, binary.LittleEndian.Uint32(s[4:]))
		f = binary.BigEndian.AppendUint32(f, 0)
		f = binary.BigEndian.AppendUint32(f, uint32(offset))
		f = binary.BigEndian.AppendUint32(f, uint32(len(s)))
		f = binary.BigEndian.AppendUint32(f, 12)
		offsets = append(offsets, offset)
		offset += (len(s) + align - 1) / align * align
	}
	for i, s := range slices {
		f = append(f, make([]byte, offsets[i]-len(f))...)
		f = append(f, s...)
	}
	return f
}

func writeBinary(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app")
	if err := os.WriteFile(path, data, 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func newDetachedCMS(t *testing.T, cert *x509.Certificate) []byte {
	t.Helper()
	signedData, err := pkcs7.NewSignedData([]byte("code directory hash"))
	if err != nil {
		t.Fatalf("Failed to create signed data: %v", err)
	}
	if err := signedData.AddSigner(cert, getTestKey(t), pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("Failed to add signer: %v", err)
	}
	signedData.Detach()
	der, err := signedData.Finish()
	if err != nil {
		t.Fatalf("Failed to finish signed data: %v", err)
	}
	return der
}

func TestExtractCMSBlob(t *testing.T) {
	cert := newTestCertificate(t, getTestKey(t), nil)
	cms := newDetachedCMS(t, cert)

	got, err := extractCMSBlob(buildSuperBlob(cms))
	if err != nil {
		t.Fatalf("extractCMSBlob failed: %v", err)
	}
	if string(got) != string(cms) {
		t.Error("Extracted CMS blob does not match")
	}

	signer, err := cmsSignerCertificate(got)
	if err != nil {
		t.Fatalf("cmsSignerCertificate failed: %v", err)
	}
	if !signer.Equal(cert) {
		t.Error("Signer certificate does not match")
	}
}

func TestExtractCMSBlobErrors(t *testing.T) {
	valid := buildSuperBlob([]byte{0x30, 0x00})

	badMagic := append([]byte(nil), valid...)
	badMagic[0] = 0x00

	adhoc := append([]byte(nil), valid...)
	// Rename the CMS slot so the signature looks ad-hoc
	binary.BigEndian.PutUint32(adhoc[20:], 0x5)

	badOffset := append([]byte(nil), valid...)
	binary.BigEndian.PutUint32(badOffset[24:], 0xFFFFFF)

	tests := []struct {
		name string
		data []byte
	}{
		{"short", valid[:8]},
		{"bad magic", badMagic},
		{"ad-hoc", adhoc},
		{"bad offset", badOffset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := extractCMSBlob(tt.data); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestBinarySignerCertificatesNotMachO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := BinarySignerCertificates(path); err == nil {
		t.Error("Expected error for non Mach-O file")
	}

	codec := NewCodec(NewProvider(nil))
	b := newTestBundle(t, codec, 8, 8).bundle
	if ok, err := b.SignedBinary(path); err == nil || ok {
		t.Errorf("Expected failure, got ok=%v err=%v", ok, err)
	}
}

func TestBinarySignerCertificatesMissing(t *testing.T) {
	_, err := BinarySignerCertificates(filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, ErrIO) {
		t.Errorf("Expected ErrIO, got %v", err)
	}
}

func TestSignedBinaryThin(t *testing.T) {
	key := getTestKey(t)
	cert := newTestCertificate(t, key, nil)
	b, err := NewCodec(NewProvider(nil)).NewBundle(cert.Raw, nil, []byte("doc"), key)
	if err != nil {
		t.Fatalf("NewBundle failed: %v", err)
	}

	signed := writeBinary(t, buildThinMachO(testCPUArm64, buildSuperBlob(newDetachedCMS(t, cert))))
	certs, err := BinarySignerCertificates(signed)
	if err != nil {
		t.Fatalf("BinarySignerCertificates failed: %v", err)
	}
	if len(certs) != 1 || !certs[0].Equal(cert) {
		t.Fatalf("Expected the bundle certificate, got %d certificates", len(certs))
	}
	ok, err := b.SignedBinary(signed)
	if err != nil {
		t.Fatalf("SignedBinary failed: %v", err)
	}
	if !ok {
		t.Error("Binary signed with the bundle certificate should match")
	}

	other := newTestCertificate(t, key, nil)
	foreign := writeBinary(t, buildThinMachO(testCPUArm64, buildSuperBlob(newDetachedCMS(t, other))))
	ok, err = b.SignedBinary(foreign)
	if err != nil {
		t.Fatalf("SignedBinary failed: %v", err)
	}
	if ok {
		t.Error("Binary signed with another certificate should not match")
	}
}

func TestSignedBinaryFat(t *testing.T) {
	key := getTestKey(t)
	cert := newTestCertificate(t, key, nil)
	other := newTestCertificate(t, key, nil)
	b, err := NewCodec(NewProvider(nil)).NewBundle(cert.Raw, nil, []byte("doc"), key)
	if err != nil {
		t.Fatalf("NewBundle failed: %v", err)
	}

	arm := buildThinMachO(testCPUArm64, buildSuperBlob(newDetachedCMS(t, cert)))
	intel := buildThinMachO(testCPUX86_64, buildSuperBlob(newDetachedCMS(t, cert)))
	foreignIntel := buildThinMachO(testCPUX86_64, buildSuperBlob(newDetachedCMS(t, other)))

	universal := writeBinary(t, buildFatMachO(arm, intel))
	certs, err := BinarySignerCertificates(universal)
	if err != nil {
		t.Fatalf("BinarySignerCertificates failed: %v", err)
	}
	if len(certs) != 2 {
		t.Fatalf("Expected 2 certificates, got %d", len(certs))
	}
	for i, c := range certs {
		if !c.Equal(cert) {
			t.Errorf("Slice %d signer does not match", i)
		}
	}
	if ok, err := b.SignedBinary(universal); err != nil || !ok {
		t.Errorf("Expected match, got ok=%v err=%v", ok, err)
	}

	mixed := writeBinary(t, buildFatMachO(arm, foreignIntel))
	if ok, err := b.SignedBinary(mixed); err != nil || ok {
		t.Errorf("Expected mismatch when one slice has another signer, got ok=%v err=%v", ok, err)
	}
}

func TestBinarySignerCertificatesCorruptThin(t *testing.T) {
	// Valid thin header, signature blob that cannot be parsed
	data := buildThinMachO(testCPUArm64, []byte{0xde, 0xad, 0xbe, 0xef})
	_, err := BinarySignerCertificates(writeBinary(t, data))
	if err == nil {
		t.Fatal("Expected error for corrupt code signature")
	}
	if strings.Contains(err.Error(), "not a fat") {
		t.Errorf("Thin parse failure should be reported, got %v", err)
	}
}
