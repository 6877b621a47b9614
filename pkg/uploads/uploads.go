// Package uploads stages requester-supplied script and data files under
// an extension allow-list, computing a checksum and optionally encrypting
// the stored bytes at rest.
package uploads

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/fednode/pkg/apperrors"
	"github.com/cuemby/fednode/pkg/security"
	"github.com/cuemby/fednode/pkg/types"
)

// scriptExtensions and dataExtensions are the allow-lists from the
// submission/control API contract.
var (
	scriptExtensions = map[string]bool{".py": true, ".r": true, ".R": true}
	dataExtensions   = map[string]bool{
		".csv": true, ".tsv": true, ".json": true, ".npy": true,
		".npz": true, ".mat": true, ".nii": true, ".gz": true,
	}
)

// maxUploadBytes bounds a single upload, mirroring the reference
// validator's 100MB ceiling.
const maxUploadBytes = 100 * 1024 * 1024

// Manager stages uploaded files under a configured directory.
type Manager struct {
	dir     string
	secrets *security.SecretsManager // nil unless at-rest encryption is enabled
}

// NewManager creates a Manager rooted at dir. secrets may be nil, in
// which case uploads are stored unencrypted.
func NewManager(dir string, secrets *security.SecretsManager) *Manager {
	return &Manager{dir: dir, secrets: secrets}
}

// Stage validates name's extension, reads content (bounded to
// maxUploadBytes), and writes it to disk under a generated id, returning
// the UploadedFile row to persist.
func (m *Manager) Stage(originalName string, content io.Reader) (*types.UploadedFile, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	if !scriptExtensions[ext] && !dataExtensions[ext] {
		return nil, apperrors.Wrap(apperrors.ErrValidation, fmt.Errorf("extension %q is not allowed", ext))
	}

	data, err := io.ReadAll(io.LimitReader(content, maxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) > maxUploadBytes {
		return nil, apperrors.Wrap(apperrors.ErrValidation, fmt.Errorf("upload exceeds %d bytes", maxUploadBytes))
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	id := uuid.NewString()
	stored := data
	if m.secrets != nil {
		stored, err = m.secrets.EncryptSecret(data)
		if err != nil {
			return nil, fmt.Errorf("encrypt upload: %w", err)
		}
	}

	destPath := filepath.Join(m.dir, id+ext)
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	if err := os.WriteFile(destPath, stored, 0o600); err != nil {
		return nil, fmt.Errorf("write upload: %w", err)
	}

	return &types.UploadedFile{
		ID:           id,
		OriginalName: originalName,
		Kind:         strings.TrimPrefix(ext, "."),
		StoredPath:   destPath,
		SizeBytes:    int64(len(data)),
		Checksum:     checksum,
		UploadedAt:   time.Now(),
	}, nil
}

// Read returns a file's plaintext bytes, decrypting if the manager was
// constructed with a SecretsManager.
func (m *Manager) Read(file *types.UploadedFile) ([]byte, error) {
	data, err := os.ReadFile(file.StoredPath)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if m.secrets != nil {
		return m.secrets.DecryptSecret(data)
	}
	return data, nil
}
