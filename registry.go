package sar

import (
	"io/fs"
	"slices"
	"sync"
)

// Registry resolves paths across an ordered set of mounted file systems.
// The first mount that has a path serves it. A Registry is explicitly
// constructed and owned; there is no process-wide instance.
type Registry struct {
	mu     sync.RWMutex
	mounts []mount
}

type mount struct {
	name string
	fsys FileSystem
}

var (
	_ fs.FS         = (*Registry)(nil)
	_ fs.StatFS     = (*Registry)(nil)
	_ fs.ReadFileFS = (*Registry)(nil)
)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Mount adds fsys under name after all existing mounts. Mounting an
// existing name replaces it in place.
func (r *Registry) Mount(name string, fsys FileSystem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.mounts {
		if r.mounts[i].name == name {
			r.mounts[i].fsys = fsys
			return
		}
	}
	r.mounts = append(r.mounts, mount{name: name, fsys: fsys})
}

// Unmount removes the mount called name and reports whether it existed.
func (r *Registry) Unmount(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.IndexFunc(r.mounts, func(m mount) bool { return m.name == name })
	if i < 0 {
		return false
	}
	r.mounts = slices.Delete(r.mounts, i, i+1)
	return true
}

// Mounts returns the mount names in resolution order.
func (r *Registry) Mounts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.mounts))
	for i, m := range r.mounts {
		names[i] = m.name
	}
	return names
}

// Resolve returns the first mounted file system holding name.
func (r *Registry) Resolve(name string) (FileSystem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.mounts {
		if m.fsys.Exists(name) {
			return m.fsys, true
		}
	}
	return nil, false
}

// Exists reports whether any mount holds name.
func (r *Registry) Exists(name string) bool {
	_, ok := r.Resolve(name)
	return ok
}

// Open implements [fs.FS].
func (r *Registry) Open(name string) (fs.File, error) {
	fsys, ok := r.Resolve(name)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: ErrNotFound}
	}
	return fsys.Open(name)
}

// Stat implements [fs.StatFS].
func (r *Registry) Stat(name string) (fs.FileInfo, error) {
	fsys, ok := r.Resolve(name)
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: ErrNotFound}
	}
	return fsys.Stat(name)
}

// ReadFile implements [fs.ReadFileFS].
func (r *Registry) ReadFile(name string) ([]byte, error) {
	fsys, ok := r.Resolve(name)
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: name, Err: ErrNotFound}
	}
	return fsys.ReadFile(name)
}
