// Package storage manages the on-disk artifact tree under the runtime data
// root: runs/<run_id>/ for images and metadata sidecars, exports/ for
// export bundles, backups/ for maintenance snapshots.
package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const maxFilenameLen = 180

var (
	unsafeFilenameRe = regexp.MustCompile(`[\\/:*?"<>|]+`)
	whitespaceRe     = regexp.MustCompile(`\s+`)
)

// Store resolves paths under a single runtime data root and writes artifacts
// atomically enough for a single-host deployment (write to temp, rename).
type Store struct {
	root string
}

// New creates the store and its top-level directories.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("op=storage.New: %w", err)
	}
	s := &Store{root: abs}
	for _, dir := range []string{s.RunsRoot(), s.ExportsRoot(), s.BackupsRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("op=storage.New dir=%s: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the absolute runtime data root.
func (s *Store) Root() string { return s.root }

// RunsRoot returns the directory holding per-run artifacts.
func (s *Store) RunsRoot() string { return filepath.Join(s.root, "runs") }

// ExportsRoot returns the directory holding export bundles.
func (s *Store) ExportsRoot() string { return filepath.Join(s.root, "exports") }

// BackupsRoot returns the directory holding maintenance snapshots.
func (s *Store) BackupsRoot() string { return filepath.Join(s.root, "backups") }

// SanitizeFilename makes a name safe for cross-platform filesystems:
// path separators and shell-unsafe characters collapse to underscores,
// whitespace runs collapse to a single underscore, leading/trailing dots
// and underscores are stripped, and the result is capped at 180 runes.
// Sanitizing an already-sanitized name is a no-op.
func SanitizeFilename(name string) string {
	out := unsafeFilenameRe.ReplaceAllString(name, "_")
	out = whitespaceRe.ReplaceAllString(out, "_")
	out = strings.Trim(out, "._")
	if out == "" {
		out = "unnamed"
	}
	runes := []rune(out)
	if len(runes) > maxFilenameLen {
		out = strings.Trim(string(runes[:maxFilenameLen]), "._")
	}
	return out
}

// RunDir returns (creating it) the artifact directory for one run.
func (s *Store) RunDir(runID string) (string, error) {
	dir := filepath.Join(s.RunsRoot(), runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("op=storage.RunDir: %w", err)
	}
	return dir, nil
}

// WriteImage persists image bytes under the run's directory and returns the
// absolute path.
func (s *Store) WriteImage(runID, fileName string, data []byte) (string, error) {
	dir, err := s.RunDir(runID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, SanitizeFilename(fileName))
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("op=storage.WriteImage: %w", err)
	}
	return path, nil
}

// AttemptMetadataPath returns the sidecar path for one optimization attempt.
func (s *Store) AttemptMetadataPath(runID string, attempt int) (string, error) {
	dir, err := s.RunDir(runID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("metadata_attempt_%d.json", attempt)), nil
}

// WriteAttemptMetadata writes the sidecar for one attempt, replacing any
// previous content.
func (s *Store) WriteAttemptMetadata(runID string, attempt int, meta map[string]any) error {
	path, err := s.AttemptMetadataPath(runID, attempt)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("op=storage.WriteAttemptMetadata: %w", err)
	}
	if err := writeFileAtomic(path, b); err != nil {
		return fmt.Errorf("op=storage.WriteAttemptMetadata: %w", err)
	}
	return nil
}

// MergeAttemptMetadata merges extra keys into an existing sidecar (the
// quality gate extends the stage-3 record). A missing sidecar is created.
func (s *Store) MergeAttemptMetadata(runID string, attempt int, extra map[string]any) error {
	path, err := s.AttemptMetadataPath(runID, attempt)
	if err != nil {
		return err
	}
	merged := map[string]any{}
	if raw, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(raw, &merged)
	}
	for k, v := range extra {
		merged[k] = v
	}
	return s.WriteAttemptMetadata(runID, attempt, merged)
}

// SHA256Bytes returns the hex digest of data.
func SHA256Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DetectMIME sniffs the media type of image bytes.
func DetectMIME(data []byte) string {
	return mimetype.Detect(data).String()
}

// ImageDimensions decodes only the image header and returns width and
// height; unsupported or corrupt data yields (0, 0).
func ImageDimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

// CopyFile copies src to dst, creating parent directories.
func CopyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("op=storage.CopyFile src=%s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("op=storage.CopyFile: %w", err)
	}
	if err := writeFileAtomic(dst, data); err != nil {
		return fmt.Errorf("op=storage.CopyFile dst=%s: %w", dst, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
