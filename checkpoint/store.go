package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// A Store durably persists checkpoint blobs keyed by
// checkpoint id.
type Store interface {
	// Save persists a blob under id.
	Save(id string, blob []byte) error

	// Load reads the blob saved under id.
	Load(id string) ([]byte, error)

	// List returns saved ids in save order, oldest first.
	List() ([]string, error)
}

// A MemStore keeps checkpoints in memory. It survives a
// simulated worker crash (the process is still alive) but
// not a real one; production setups should use DirStore.
type MemStore struct {
	blobs map[string][]byte
	order []string
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{blobs: map[string][]byte{}}
}

// Save records the blob under id.
func (m *MemStore) Save(id string, blob []byte) error {
	if _, ok := m.blobs[id]; !ok {
		m.order = append(m.order, id)
	}
	m.blobs[id] = append([]byte(nil), blob...)
	return nil
}

// Load reads the blob saved under id.
func (m *MemStore) Load(id string) ([]byte, error) {
	blob, ok := m.blobs[id]
	if !ok {
		return nil, fmt.Errorf("no checkpoint %s", id)
	}
	return blob, nil
}

// List returns saved ids, oldest first.
func (m *MemStore) List() ([]string, error) {
	return append([]string(nil), m.order...), nil
}

// A DirStore keeps one file per checkpoint under a
// directory, plus a manifest recording save order. The
// directory is chosen by the caller at construction; there
// is no ambient default.
type DirStore struct {
	dir string
}

// NewDirStore creates the directory if needed and returns
// a store backed by it.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

// Save writes the blob and appends the id to the manifest.
func (d *DirStore) Save(id string, blob []byte) error {
	if err := os.WriteFile(filepath.Join(d.dir, id), blob, 0644); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	manifest, err := os.OpenFile(filepath.Join(d.dir, "manifest"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open checkpoint manifest: %w", err)
	}
	defer manifest.Close()
	if _, err := fmt.Fprintln(manifest, id); err != nil {
		return fmt.Errorf("append checkpoint manifest: %w", err)
	}
	return nil
}

// Load reads the blob saved under id.
func (d *DirStore) Load(id string) ([]byte, error) {
	blob, err := os.ReadFile(filepath.Join(d.dir, id))
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return blob, nil
}

// List returns saved ids, oldest first.
func (d *DirStore) List() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, "manifest"))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("read checkpoint manifest: %w", err)
	}
	var ids []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}
