package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "norte-menu.txt", "Arepa rellena\nJugo natural\n")
	path := writeFile(t, dir, "branches.toml", `
[branches.centro]
name = "Centro"
prompt = "Atiende con amabilidad"
order_phone = "3001112233"
complaint_phone = "3009998877"
menu = """
Hamburguesa clasica
Perro caliente
"""

[branches.norte]
menu_file = "norte-menu.txt"
`)

	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"centro", "norte"}, cat.IDs())
	assert.Equal(t, "Centro", cat.Branches["centro"].Name)
	assert.Contains(t, cat.Branches["centro"].Menu, "Perro caliente")
	assert.Equal(t, "Arepa rellena\nJugo natural\n", cat.Branches["norte"].Menu)
}

func TestLoadCatalog_UnknownKey(t *testing.T) {
	path := writeFile(t, t.TempDir(), "branches.toml", "[branches.centro]\nphone = \"1\"\n")

	_, err := LoadCatalog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown catalog keys")
}

func TestLoadCatalog_MissingMenuFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "branches.toml", "[branches.centro]\nmenu_file = \"nope.txt\"\n")

	_, err := LoadCatalog(path)
	assert.Error(t, err)
}

func TestSeedCatalog(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	cat := &Catalog{Branches: map[string]CatalogBranch{
		"centro": {Name: "Centro", Menu: "Hamburguesa", OrderPhone: "1"},
		"sur":    {},
	}}

	require.NoError(t, SeedCatalog(ctx, s, cat))

	branches, err := s.ListBranches(ctx)
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, "sur", branches[1].Name, "name defaults to the id")

	cfg, err := s.GetBranchConfig(ctx, "centro")
	require.NoError(t, err)
	assert.Equal(t, "Hamburguesa", cfg.MenuText)

	// Seeding twice is harmless.
	require.NoError(t, SeedCatalog(ctx, s, cat))
}
