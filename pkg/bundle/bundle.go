// Package bundle handles agent code bundle intake: archive inspection,
// manifest extraction, content digests, and extraction for image builds.
package bundle

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hirebay/hirebay/pkg/fault"
)

// ManifestFileName is the well-known manifest location inside a bundle.
const ManifestFileName = "manifest.json"

const (
	// maxArchiveBytes bounds the compressed archive accepted at intake.
	maxArchiveBytes = 64 << 20
	// maxContentBytes bounds the declared uncompressed size across all files.
	maxContentBytes = 256 << 20
	// maxManifestBytes bounds the embedded manifest file.
	maxManifestBytes = 1 << 20
)

// Bundle is a validated agent code archive.
type Bundle struct {
	data         []byte
	digest       string
	files        []string
	manifestJSON []byte
	zr           *zip.Reader
}

// Open validates the raw archive and returns a Bundle. Structural problems
// (not a zip, unsafe paths, size bounds) reject the bundle.
func Open(data []byte) (*Bundle, error) {
	if len(data) == 0 {
		return nil, fault.New(fault.CategoryValidation, fault.CodeBundleRejected, "bundle is empty")
	}
	if len(data) > maxArchiveBytes {
		return nil, fault.New(fault.CategoryValidation, fault.CodeBundleRejected,
			"bundle is %d bytes, limit is %d", len(data), maxArchiveBytes)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryValidation, fault.CodeBundleRejected, "bundle is not a valid zip archive")
	}

	b := &Bundle{data: data, zr: zr}

	var total uint64
	for _, f := range zr.File {
		if !safePath(f.Name) {
			return nil, fault.New(fault.CategoryValidation, fault.CodeBundleRejected, "unsafe path %q in bundle", f.Name)
		}
		total += f.UncompressedSize64
		if total > maxContentBytes {
			return nil, fault.New(fault.CategoryValidation, fault.CodeBundleRejected,
				"bundle expands past %d bytes", maxContentBytes)
		}
		if f.FileInfo().IsDir() {
			continue
		}
		b.files = append(b.files, path.Clean(f.Name))
	}
	if len(b.files) == 0 {
		return nil, fault.New(fault.CategoryValidation, fault.CodeBundleRejected, "bundle contains no files")
	}

	if f := b.find(ManifestFileName); f != nil {
		raw, err := readFile(f, maxManifestBytes)
		if err != nil {
			return nil, fault.Wrap(err, fault.CategoryValidation, fault.CodeBundleRejected,
				"failed to read %s", ManifestFileName)
		}
		b.manifestJSON = raw
	}

	sum := sha256.Sum256(data)
	b.digest = "sha256:" + hex.EncodeToString(sum[:])
	return b, nil
}

// Digest returns the sha256 content digest of the archive, prefixed with the
// algorithm.
func (b *Bundle) Digest() string {
	return b.digest
}

// Bytes returns the raw archive.
func (b *Bundle) Bytes() []byte {
	return b.data
}

// Files lists the archive's file paths, cleaned, directories excluded.
func (b *Bundle) Files() []string {
	return b.files
}

// HasFile reports whether name is a file inside the archive.
func (b *Bundle) HasFile(name string) bool {
	clean := path.Clean(name)
	for _, f := range b.files {
		if f == clean {
			return true
		}
	}
	return false
}

// ManifestJSON returns the embedded manifest file, if the archive has one.
func (b *Bundle) ManifestJSON() ([]byte, bool) {
	return b.manifestJSON, b.manifestJSON != nil
}

// Save writes the archive into dir named by its digest and returns the path.
func (b *Bundle) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create bundle directory: %w", err)
	}
	name := strings.TrimPrefix(b.digest, "sha256:") + ".zip"
	target := filepath.Join(dir, name)
	if err := os.WriteFile(target, b.data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write bundle: %w", err)
	}
	return target, nil
}

// Extract unpacks every file into dest, preserving relative paths. dest must
// already exist.
func (b *Bundle) Extract(dest string) error {
	for _, f := range b.zr.File {
		target := filepath.Join(dest, filepath.FromSlash(path.Clean(f.Name)))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
		}
		raw, err := readFile(f, maxContentBytes)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		if err := os.WriteFile(target, raw, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", target, err)
		}
	}
	return nil
}

// Load reads a previously saved bundle back from disk.
func Load(bundlePath string) (*Bundle, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle %s: %w", bundlePath, err)
	}
	return Open(data)
}

func (b *Bundle) find(name string) *zip.File {
	for _, f := range b.zr.File {
		if path.Clean(f.Name) == name && !f.FileInfo().IsDir() {
			return f
		}
	}
	return nil
}

func readFile(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	raw, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("%s exceeds %d bytes", f.Name, limit)
	}
	return raw, nil
}

// safePath rejects absolute paths and any traversal outside the archive root.
func safePath(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return false
	}
	clean := path.Clean(name)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}
