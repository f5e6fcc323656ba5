package registry

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/artpar/webtopd/internal/core/workload"
)

// Registry is a filesystem-backed workload registry rooted at one directory.
type Registry struct {
	root      string
	dirPrefix string
}

// New creates a registry. An empty dirPrefix falls back to workload.DefaultDirPrefix.
func New(root, dirPrefix string) *Registry {
	if dirPrefix == "" {
		dirPrefix = workload.DefaultDirPrefix
	}
	return &Registry{
		root:      filepath.Clean(root),
		dirPrefix: dirPrefix,
	}
}

// Root returns the registry root directory.
func (r *Registry) Root() string {
	return r.root
}

// Init creates the root directory if it is missing.
func (r *Registry) Init() error {
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return NewRegistryError("Init", "", err.Error(), err)
	}
	return nil
}

// Resolve returns the directory for id. It does not touch the filesystem.
func (r *Registry) Resolve(id string) string {
	return filepath.Join(r.root, workload.DirName(r.dirPrefix, id))
}

// Identity is the inverse of Resolve: it returns the identity whose
// directory is dir, if dir is one.
func (r *Registry) Identity(dir string) (string, bool) {
	dir = filepath.Clean(dir)
	if filepath.Dir(dir) != r.root {
		return "", false
	}
	base := filepath.Base(dir)
	if !strings.HasPrefix(base, r.dirPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(base, r.dirPrefix)
	if !workload.ValidIdentity(id) {
		return "", false
	}
	return id, true
}

// Exists reports whether the workload directory for id exists.
func (r *Registry) Exists(id string) (bool, error) {
	if !workload.ValidIdentity(id) {
		return false, NewRegistryError("Exists", id, "identity outside allowed charset", ErrInvalidIdentity)
	}
	info, err := os.Stat(r.Resolve(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, NewRegistryError("Exists", id, err.Error(), err)
	}
	return info.IsDir(), nil
}

// Persist writes one artifact into the workload directory, creating the
// directory when needed. Existing files of the same name are overwritten.
// name is sanitized first; the returned path is where the bytes landed.
func (r *Registry) Persist(id, name string, src io.Reader) (string, error) {
	path, err := r.artifactPath("Persist", id, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", NewRegistryError("Persist", id, err.Error(), err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", NewRegistryError("Persist", id, err.Error(), err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return "", NewRegistryError("Persist", id, "failed to write "+filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return "", NewRegistryError("Persist", id, err.Error(), err)
	}
	return path, nil
}

// WriteScript writes an executable script into the workload directory.
func (r *Registry) WriteScript(id, name, content string) (string, error) {
	path, err := r.artifactPath("WriteScript", id, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", NewRegistryError("WriteScript", id, err.Error(), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return "", NewRegistryError("WriteScript", id, err.Error(), err)
	}
	// WriteFile keeps the old mode when the file already existed.
	if err := os.Chmod(path, 0o755); err != nil {
		return "", NewRegistryError("WriteScript", id, err.Error(), err)
	}
	return path, nil
}

// List returns the identities of all registered workloads, sorted.
// A missing root yields an empty list.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, NewRegistryError("List", "", err.Error(), err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), r.dirPrefix) {
			continue
		}
		id := strings.TrimPrefix(entry.Name(), r.dirPrefix)
		if !workload.ValidIdentity(id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// FindManifest returns the path of the first manifest-like file (by name)
// in the workload directory.
func (r *Registry) FindManifest(id string) (string, error) {
	paths, err := r.Manifests(id)
	if err != nil {
		return "", err
	}
	return paths[0], nil
}

// Manifests returns every manifest-like file in the workload directory in
// name order. At least one path is returned when err is nil.
func (r *Registry) Manifests(id string) ([]string, error) {
	ok, err := r.Exists(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewRegistryError("Manifests", id, "directory not found", ErrNotFound)
	}

	dir := r.Resolve(id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, NewRegistryError("Manifests", id, err.Error(), err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && workload.IsManifestName(entry.Name()) {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, NewRegistryError("Manifests", id, "no .yaml or .yml file", ErrManifestNotFound)
	}
	return paths, nil
}

// Destroy removes the workload directory and everything in it.
func (r *Registry) Destroy(id string) error {
	ok, err := r.Exists(id)
	if err != nil {
		return err
	}
	if !ok {
		return NewRegistryError("Destroy", id, "directory not found", ErrNotFound)
	}
	if err := os.RemoveAll(r.Resolve(id)); err != nil {
		return NewRegistryError("Destroy", id, err.Error(), err)
	}
	return nil
}

// artifactPath sanitizes name and joins it to the workload directory,
// refusing anything that would land outside it.
func (r *Registry) artifactPath(op, id, name string) (string, error) {
	if !workload.ValidIdentity(id) {
		return "", NewRegistryError(op, id, "identity outside allowed charset", ErrInvalidIdentity)
	}
	clean := workload.SanitizeFilename(name)
	if clean == "" {
		return "", NewRegistryError(op, id, "artifact name is empty after sanitizing", ErrUnsafePath)
	}

	dir := r.Resolve(id)
	path := filepath.Join(dir, clean)
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel != clean {
		return "", NewRegistryError(op, id, "artifact escapes workload directory", ErrUnsafePath)
	}
	return path, nil
}
