// Package catalog resolves the node's data manifest into typed
// CatalogDescriptor values, inferring tabular column schemas on demand.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/fednode/pkg/apperrors"
	"github.com/cuemby/fednode/pkg/log"
	"github.com/cuemby/fednode/pkg/types"
	"github.com/rs/zerolog"
)

// manifestFile is the on-disk JSON shape described by the manifest file
// format contract: {catalogs: [...]}.
type manifestFile struct {
	Catalogs []manifestCatalog `json:"catalogs"`
}

type manifestCatalog struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	DataType      string            `json:"data_type"`
	PrivacyLevel  string            `json:"privacy_level"`
	MinCohortSize *int              `json:"min_cohort_size,omitempty"`
	Files         []manifestFile_   `json:"files"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type manifestFile_ struct {
	Name        string         `json:"name"`
	Path        string         `json:"path"`
	Type        string         `json:"type"`
	Columns     []types.Column `json:"columns,omitempty"`
	RecordCount *int64         `json:"record_count,omitempty"`
}

// Resolver holds the in-memory index built from the last successful Load,
// keyed by both id and name so resolve(key) accepts either.
type Resolver struct {
	projectRoot string
	dataRoot    string

	mu       sync.RWMutex
	byID     map[string]*types.CatalogDescriptor
	byName   map[string]*types.CatalogDescriptor
	loadedAt time.Time

	logger zerolog.Logger
}

// NewResolver creates a Resolver rooted at dataRoot for relative file paths.
func NewResolver(projectRoot, dataRoot string) *Resolver {
	return &Resolver{
		projectRoot: projectRoot,
		dataRoot:    dataRoot,
		byID:        make(map[string]*types.CatalogDescriptor),
		byName:      make(map[string]*types.CatalogDescriptor),
		logger:      log.WithComponent("catalog"),
	}
}

// Load parses the manifest at path and (re)builds the resolver's index.
// It never leaves the resolver in a partially-updated state: the new index
// is built standalone and only swapped in on success.
func (r *Resolver) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest %s: %w", path, err)
	}

	var mf manifestFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return fmt.Errorf("parse manifest %s: %w", path, err)
	}

	byID := make(map[string]*types.CatalogDescriptor, len(mf.Catalogs))
	byName := make(map[string]*types.CatalogDescriptor, len(mf.Catalogs))

	for _, mc := range mf.Catalogs {
		desc := &types.CatalogDescriptor{
			ID:            mc.ID,
			Name:          mc.Name,
			Description:   mc.Description,
			DataType:      mc.DataType,
			PrivacyLevel:  types.PrivacyLevel(mc.PrivacyLevel),
			MinCohortSize: mc.MinCohortSize,
			Metadata:      mc.Metadata,
			ResolvedAt:    time.Now(),
		}

		var firstTabularCount int64
		haveFirstCount := false

		for _, mff := range mc.Files {
			fd := types.FileDescriptor{
				LogicalName: mff.Name,
				Path:        mff.Path,
				Type:        mff.Type,
				Columns:     mff.Columns,
				RecordCount: mff.RecordCount,
			}

			absPath, err := r.resolvePath(mff.Path)
			if err != nil {
				r.logger.Warn().Err(err).Str("file", mff.Path).Msg("path escapes data root, skipping")
				fd.Exists = false
				desc.Files = append(desc.Files, fd)
				continue
			}

			info, statErr := os.Stat(absPath)
			if statErr != nil {
				fd.Exists = false
				desc.Files = append(desc.Files, fd)
				continue
			}
			fd.Exists = true
			fd.SizeBytes = info.Size()

			isTabular := fd.Type == "csv" || fd.Type == "tsv"
			if isTabular && fd.Columns == nil {
				cols, rows, err := inferSchema(absPath, fd.Type)
				if err != nil {
					r.logger.Warn().Err(err).Str("file", mff.Path).Msg("column inference failed")
				} else {
					fd.Columns = cols
					if fd.RecordCount == nil {
						count := rows
						fd.RecordCount = &count
					}
				}
			}

			if isTabular && !haveFirstCount && fd.RecordCount != nil {
				firstTabularCount = *fd.RecordCount
				haveFirstCount = true
			}

			desc.Files = append(desc.Files, fd)
		}

		if haveFirstCount {
			desc.RecordCount = firstTabularCount
		}

		if desc.ID != "" {
			byID[desc.ID] = desc
		}
		if desc.Name != "" {
			byName[desc.Name] = desc
		}
	}

	r.mu.Lock()
	r.byID = byID
	r.byName = byName
	r.loadedAt = time.Now()
	r.mu.Unlock()

	r.logger.Info().Int("catalogs", len(byID)).Str("manifest", path).Msg("manifest loaded")
	return nil
}

// Reload re-reads the manifest at path, atomically swapping the index; it
// is the same operation as Load. Callers that need "on demand"
// re-resolution (per the manifest resolver contract) pass the path again.
func (r *Resolver) Reload(path string) error {
	return r.Load(path)
}

// Resolve looks up a catalog by id or name. It never panics on a miss.
func (r *Resolver) Resolve(key string) (*types.CatalogDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if desc, ok := r.byID[key]; ok {
		return desc, nil
	}
	if desc, ok := r.byName[key]; ok {
		return desc, nil
	}
	return nil, apperrors.Wrap(apperrors.ErrNotFound, fmt.Errorf("catalog %q", key))
}

// List returns every resolved catalog, newest-loaded order is not
// guaranteed (callers needing stable order should sort by ID).
func (r *Resolver) List() []*types.CatalogDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.CatalogDescriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	return out
}

// resolvePath joins a manifest-relative path against DataRoot and rejects
// any result that would escape it via "..".
func (r *Resolver) resolvePath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	joined := filepath.Join(r.dataRoot, p)
	rel, err := filepath.Rel(r.dataRoot, joined)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes data root", p)
	}
	return joined, nil
}
