// ABOUTME: TOML branch catalog loading and seeding
// ABOUTME: Imports branch identities and reply settings into the store at startup

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Catalog is the on-disk description of the branches a gateway serves.
//
//	[branches.centro]
//	name = "Centro"
//	order_phone = "3001234567"
//	menu = """
//	Hamburguesa clasica
//	Perro caliente
//	"""
type Catalog struct {
	Branches map[string]CatalogBranch `toml:"branches"`
}

// CatalogBranch is one [branches.<id>] table.
type CatalogBranch struct {
	Name           string `toml:"name"`
	Prompt         string `toml:"prompt"`
	Menu           string `toml:"menu"`
	MenuFile       string `toml:"menu_file"`
	OrderPhone     string `toml:"order_phone"`
	ComplaintPhone string `toml:"complaint_phone"`
}

// LoadCatalog parses a TOML catalog file. menu_file entries are resolved
// relative to the catalog's directory and inlined into Menu.
func LoadCatalog(path string) (*Catalog, error) {
	var cat Catalog
	md, err := toml.DecodeFile(path, &cat)
	if err != nil {
		return nil, fmt.Errorf("decoding catalog %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown catalog keys: %s", strings.Join(keys, ", "))
	}

	for id, b := range cat.Branches {
		if b.MenuFile == "" {
			continue
		}
		menuPath := b.MenuFile
		if !filepath.IsAbs(menuPath) {
			menuPath = filepath.Join(filepath.Dir(path), menuPath)
		}
		data, err := os.ReadFile(menuPath)
		if err != nil {
			return nil, fmt.Errorf("reading menu for branch %s: %w", id, err)
		}
		b.Menu = string(data)
		cat.Branches[id] = b
	}
	return &cat, nil
}

// IDs returns the catalog's branch IDs in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.Branches))
	for id := range c.Branches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SeedCatalog writes every catalog branch and its config into the store.
// Existing rows are updated in place; conversations and session status are untouched.
func SeedCatalog(ctx context.Context, s BranchStore, cat *Catalog) error {
	for _, id := range cat.IDs() {
		b := cat.Branches[id]
		name := b.Name
		if name == "" {
			name = id
		}
		if err := s.UpsertBranch(ctx, &Branch{ID: id, Name: name}); err != nil {
			return fmt.Errorf("seeding branch %s: %w", id, err)
		}
		err := s.SaveBranchConfig(ctx, &BranchConfig{
			BranchID:       id,
			Prompt:         b.Prompt,
			MenuText:       b.Menu,
			OrderPhone:     b.OrderPhone,
			ComplaintPhone: b.ComplaintPhone,
		})
		if err != nil {
			return fmt.Errorf("seeding config for branch %s: %w", id, err)
		}
	}
	return nil
}
