package storage

import (
	"path/filepath"
	"sort"

	"github.com/leonletto/anchord/internal/types"
)

// WorkspaceStore reads and writes workspaces.json.
type WorkspaceStore struct {
	path string
}

// NewWorkspaceStore returns a store rooted at dataDir.
func NewWorkspaceStore(dataDir string) *WorkspaceStore {
	return &WorkspaceStore{path: filepath.Join(dataDir, WorkspacesFile)}
}

// Path returns the backing file path.
func (s *WorkspaceStore) Path() string {
	return s.path
}

// Load returns the persisted workspaces keyed by id. A missing file yields an empty map.
func (s *WorkspaceStore) Load() (map[string]types.WorkspaceEntry, error) {
	var list []types.WorkspaceEntry
	if _, err := ReadJSON(s.path, &list); err != nil {
		return nil, err
	}
	out := make(map[string]types.WorkspaceEntry, len(list))
	for _, entry := range list {
		if entry.ID == "" {
			continue
		}
		if entry.Kind == "" {
			entry.Kind = types.WorkspaceKindMain
		}
		out[entry.ID] = entry
	}
	return out, nil
}

// Save writes all entries, ordered by id so the file diffs cleanly.
func (s *WorkspaceStore) Save(entries map[string]types.WorkspaceEntry) error {
	list := make([]types.WorkspaceEntry, 0, len(entries))
	for _, entry := range entries {
		list = append(list, entry)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return WriteJSON(s.path, list)
}
