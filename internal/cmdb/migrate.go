package cmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"opendiscovery/pkg/logging"
)

// legacyItem is the on-disk shape of the filesystem-era CMDB: one JSON
// document per configuration item under <dir>/ci/.
type legacyItem struct {
	Key        string         `json:"key"`
	Type       string         `json:"type"`
	ParentKey  *string        `json:"parentKey,omitempty"`
	Attributes map[string]any `json:"attributes"`
	CreatedAt  string         `json:"createdAt,omitempty"`
	UpdatedAt  string         `json:"updatedAt,omitempty"`
}

// MigrateFromFilesystem imports a legacy filesystem CMDB tree into the SQL
// store. Parents are imported before children so the parent_key constraint
// holds; items with a missing parent are imported with parent_key cleared
// and a warning. Returns the number of imported items.
func (s *Store) MigrateFromFilesystem(ctx context.Context, dir string) (int, error) {
	ciDir := filepath.Join(dir, "ci")
	entries, err := os.ReadDir(ciDir)
	if err != nil {
		return 0, fmt.Errorf("read legacy directory %s: %w", ciDir, err)
	}

	var items []*Item
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(ciDir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", path, err)
		}
		var legacy legacyItem
		if err := json.Unmarshal(raw, &legacy); err != nil {
			logging.Warn("CMDB", "Skipping unparseable legacy item %s: %v", path, err)
			continue
		}
		if legacy.Key == "" {
			logging.Warn("CMDB", "Skipping legacy item without key: %s", path)
			continue
		}
		if legacy.Type == "" {
			legacy.Type = "generic"
		}
		item := &Item{
			Key:        legacy.Key,
			Type:       legacy.Type,
			ParentKey:  legacy.ParentKey,
			Attributes: legacy.Attributes,
		}
		item.CreatedAt = parseLegacyTime(legacy.CreatedAt)
		item.UpdatedAt = parseLegacyTime(legacy.UpdatedAt)
		items = append(items, item)
	}

	// Parents first: items referenced as a parent by anyone are inserted
	// before their children, so foreign keys hold without deferral.
	ordered := orderByParent(items)

	known := map[string]bool{}
	imported := 0
	for _, item := range ordered {
		if item.ParentKey != nil && !known[*item.ParentKey] {
			if _, err := s.Get(ctx, *item.ParentKey); err != nil {
				logging.Warn("CMDB", "Legacy item %s references missing parent %s; importing without parent",
					item.Key, *item.ParentKey)
				item.ParentKey = nil
			}
		}
		if err := s.Set(ctx, item); err != nil {
			return imported, fmt.Errorf("import %s: %w", item.Key, err)
		}
		known[item.Key] = true
		imported++
	}

	logging.Info("CMDB", "Imported %d legacy items from %s", imported, dir)
	return imported, nil
}

func parseLegacyTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// orderByParent sorts items so parents precede their children. Cycles are
// broken arbitrarily; the importer clears dangling parent references.
func orderByParent(items []*Item) []*Item {
	byKey := make(map[string]*Item, len(items))
	for _, item := range items {
		byKey[item.Key] = item
	}

	var ordered []*Item
	visited := map[string]bool{}
	var visit func(item *Item, trail map[string]bool)
	visit = func(item *Item, trail map[string]bool) {
		if visited[item.Key] || trail[item.Key] {
			return
		}
		trail[item.Key] = true
		if item.ParentKey != nil {
			if parent, ok := byKey[*item.ParentKey]; ok {
				visit(parent, trail)
			}
		}
		delete(trail, item.Key)
		if !visited[item.Key] {
			visited[item.Key] = true
			ordered = append(ordered, item)
		}
	}
	for _, item := range items {
		visit(item, map[string]bool{})
	}
	return ordered
}
