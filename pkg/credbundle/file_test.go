package credbundle

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recordingUploader struct {
	paths []string
	sizes []int
	err   error
}

func (u *recordingUploader) Upload(path string, data []byte) error {
	u.paths = append(u.paths, path)
	u.sizes = append(u.sizes, len(data))
	return u.err
}

func TestSaveAndLoadFile(t *testing.T) {
	codec := NewCodec(NewProvider(newTestKeyCipher(t)))
	tb := newTestBundle(t, codec, 64, 64)
	dir := t.TempDir()

	path, err := codec.SaveFile(tb.bundle, filepath.Join(dir, "team"), VariantEncrypted)
	if err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}
	if filepath.Base(path) != "team"+DefaultExtension {
		t.Errorf("Expected team%s, got %s", DefaultExtension, filepath.Base(path))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("Expected mode 0600, got %o", perm)
	}

	loaded, err := codec.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if !loaded.Equal(tb.bundle) {
		t.Error("Loaded bundle differs from saved bundle")
	}

	// No temp files left behind
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("Expected exactly one file in %s, found %d", dir, len(entries))
	}
}

func TestSaveFileKeepsExistingExtension(t *testing.T) {
	codec := NewCodec(NewProvider(nil))
	tb := newTestBundle(t, codec, 8, 8)
	dir := t.TempDir()

	for _, name := range []string{"a.backdoor", "b.BACKDOOR"} {
		path, err := codec.SaveFile(tb.bundle, filepath.Join(dir, name), VariantLegacy)
		if err != nil {
			t.Fatalf("SaveFile(%s) failed: %v", name, err)
		}
		if filepath.Base(path) != name {
			t.Errorf("Expected %s, got %s", name, filepath.Base(path))
		}
	}
}

func TestSaveFileCustomExtension(t *testing.T) {
	codec := NewCodec(NewProvider(nil), WithExtension(".cbx"))
	tb := newTestBundle(t, codec, 8, 8)

	path, err := codec.SaveFile(tb.bundle, filepath.Join(t.TempDir(), "out"), VariantLegacy)
	if err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}
	if !strings.HasSuffix(path, "out.cbx") {
		t.Errorf("Expected .cbx extension, got %s", path)
	}
}

func TestSaveFileUploader(t *testing.T) {
	uploader := &recordingUploader{}
	codec := NewCodec(NewProvider(nil), WithUploader(uploader))
	tb := newTestBundle(t, codec, 8, 8)

	path, err := codec.SaveFile(tb.bundle, filepath.Join(t.TempDir(), "up"), VariantLegacy)
	if err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}
	if len(uploader.paths) != 1 || uploader.paths[0] != path {
		t.Fatalf("Expected one upload of %s, got %v", path, uploader.paths)
	}
	data, _ := os.ReadFile(path)
	if uploader.sizes[0] != len(data) {
		t.Errorf("Uploaded %d bytes, file has %d", uploader.sizes[0], len(data))
	}

	uploader.err = errors.New("network down")
	path, err = codec.SaveFile(tb.bundle, filepath.Join(t.TempDir(), "fail"), VariantLegacy)
	if err == nil {
		t.Fatal("Expected upload error")
	}
	if path == "" {
		t.Error("Expected written path even when upload fails")
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Errorf("File should exist after failed upload: %v", statErr)
	}
}

func TestLoadFileMissing(t *testing.T) {
	codec := NewCodec(NewProvider(nil))
	_, err := codec.LoadFile(filepath.Join(t.TempDir(), "missing.backdoor"))
	if !errors.Is(err, ErrIO) {
		t.Errorf("Expected ErrIO, got %v", err)
	}
}

func TestSaveFileMissingDirectory(t *testing.T) {
	codec := NewCodec(NewProvider(nil))
	tb := newTestBundle(t, codec, 8, 8)
	_, err := codec.SaveFile(tb.bundle, filepath.Join(t.TempDir(), "no", "such", "dir", "x"), VariantLegacy)
	if !errors.Is(err, ErrIO) {
		t.Errorf("Expected ErrIO, got %v", err)
	}
}

func TestDigest(t *testing.T) {
	a := Digest([]byte("container"))
	if len(a) != 64 {
		t.Errorf("Expected 64 hex characters, got %d", len(a))
	}
	if a != Digest([]byte("container")) {
		t.Error("Digest should be deterministic")
	}
	if a == Digest([]byte("container2")) {
		t.Error("Different inputs should have different digests")
	}
}
