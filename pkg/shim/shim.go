// Package shim embeds the Python data-access helpers written into every
// job workspace so a script never touches the catalog manifest or the
// filesystem directly: it only ever sees load_data(), get_catalog_info(),
// and save_results().
package shim

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed templates/data_loader.py.tmpl templates/entrypoint.py.tmpl
var templates embed.FS

const (
	// DataLoaderFile is the shim module name the workspace contract
	// guarantees is importable with no path manipulation.
	DataLoaderFile = "data_loader.py"
	EntrypointFile = "entrypoint.py"
)

// Write renders the data-access shim and entrypoint into dir, which must
// already exist (the workspace builder creates it).
func Write(dir string) error {
	if err := writeTemplate(dir, "templates/data_loader.py.tmpl", DataLoaderFile); err != nil {
		return err
	}
	if err := writeTemplate(dir, "templates/entrypoint.py.tmpl", EntrypointFile); err != nil {
		return err
	}
	return nil
}

// EntrypointPath returns the path a runner should execute inside dir.
func EntrypointPath(dir string) string {
	return filepath.Join(dir, EntrypointFile)
}

func writeTemplate(dir, embedPath, destName string) error {
	data, err := templates.ReadFile(embedPath)
	if err != nil {
		return fmt.Errorf("read embedded template %s: %w", embedPath, err)
	}
	dest := filepath.Join(dir, destName)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}
