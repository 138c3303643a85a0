package credbundle

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// LoadFile reads and decodes the container at path.
func (c *Codec) LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fieldErr("load", "", kindErr(ErrIO, err))
	}
	return c.Decode(data)
}

// SaveFile encodes b and writes it atomically to basePath, appending the
// codec's extension when basePath does not already end in it. It returns
// the path written.
//
// If an Uploader is configured it is called after the file is in place; an
// upload failure is returned together with the written path.
func (c *Codec) SaveFile(b *Bundle, basePath string, variant Variant) (string, error) {
	data, err := c.Encode(b, variant)
	if err != nil {
		return "", err
	}

	path := basePath
	if !strings.EqualFold(filepath.Ext(path), c.extension) {
		path += c.extension
	}
	if err := writeFileAtomic(path, data, 0600); err != nil {
		return "", fieldErr("save", "", kindErr(ErrIO, err))
	}
	c.logger.Debug("container saved", zap.String("path", path), zap.String("digest", Digest(data)))

	if c.uploader != nil {
		if err := c.uploader.Upload(path, data); err != nil {
			return path, fmt.Errorf("saved %s but upload failed: %w", path, err)
		}
	}
	return path, nil
}

// writeFileAtomic writes data to a temp file beside path, syncs it and
// renames it over path, so readers never observe a partial container.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename into place: %w", err)
	}
	return nil
}

// Digest returns the hex BLAKE3-256 digest of an encoded container. Two
// copies of the same container file have the same digest; re-encoding an
// encrypted bundle does not, since every seal uses fresh randomness.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
