package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

func newTestCatalog(t *testing.T) (*Catalog, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := New(logging.Discard(), dir)
	require.NoError(t, err)
	return c, dir
}

func TestLookupBuiltin(t *testing.T) {
	c, _ := newTestCatalog(t)

	entry, err := c.Lookup("Qwen3-4B-GGUF")
	require.NoError(t, err)
	assert.Equal(t, inference.FamilyLlamaCpp, entry.Family)
	assert.True(t, entry.Builtin())
}

func TestLookupUnknownModel(t *testing.T) {
	c, _ := newTestCatalog(t)

	_, err := c.Lookup("no-such-model")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestLookupIsCaseSensitive(t *testing.T) {
	c, _ := newTestCatalog(t)

	_, err := c.Lookup("qwen3-4b-gguf")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestRegisterPersistsAndReloads(t *testing.T) {
	c, dir := newTestCatalog(t)

	entry := ModelEntry{
		Name:       "My-Model-GGUF",
		Family:     inference.FamilyLlamaCpp,
		Checkpoint: "me/my-model-gguf:my-model.Q4_K_M.gguf",
		DType:      "Q4_K_M",
	}
	require.NoError(t, c.Register(entry))

	// The user file must exist and be valid JSON.
	data, err := os.ReadFile(filepath.Join(dir, UserModelsFile))
	require.NoError(t, err)
	var persisted []ModelEntry
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Len(t, persisted, 1)
	assert.Equal(t, "My-Model-GGUF", persisted[0].Name)

	// A fresh catalog over the same directory picks the entry up.
	reloaded, err := New(logging.Discard(), dir)
	require.NoError(t, err)
	got, err := reloaded.Lookup("My-Model-GGUF")
	require.NoError(t, err)
	assert.Equal(t, entry.Checkpoint, got.Checkpoint)
	assert.False(t, got.Builtin())
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	c, _ := newTestCatalog(t)

	entry := ModelEntry{
		Name:       "Dup-Model",
		Family:     inference.FamilyLlamaCpp,
		Checkpoint: "me/dup",
	}
	require.NoError(t, c.Register(entry))
	assert.ErrorIs(t, c.Register(entry), ErrAlreadyExists)
}

func TestRegisterRejectsBuiltinShadowing(t *testing.T) {
	c, _ := newTestCatalog(t)

	err := c.Register(ModelEntry{
		Name:       "Qwen3-4B-GGUF",
		Family:     inference.FamilyLlamaCpp,
		Checkpoint: "evil/shadow",
	})
	assert.ErrorIs(t, err, ErrReservedName)
}

func TestRegisterRejectsUnknownFamily(t *testing.T) {
	c, _ := newTestCatalog(t)

	err := c.Register(ModelEntry{
		Name:       "Strange",
		Family:     inference.Family("quantum"),
		Checkpoint: "me/strange",
	})
	assert.Error(t, err)
}

func TestListFilters(t *testing.T) {
	c, _ := newTestCatalog(t)

	embeddings := c.List(Filter{Label: LabelEmbeddings})
	require.NotEmpty(t, embeddings)
	for _, entry := range embeddings {
		assert.True(t, entry.HasLabel(LabelEmbeddings))
	}

	whisper := c.List(Filter{Family: inference.FamilyWhisper})
	require.NotEmpty(t, whisper)
	for _, entry := range whisper {
		assert.Equal(t, inference.FamilyWhisper, entry.Family)
	}

	installed := c.List(Filter{Installed: func(e ModelEntry) bool {
		return e.Name == "Kokoro"
	}})
	require.Len(t, installed, 1)
	assert.Equal(t, "Kokoro", installed[0].Name)
}

func TestListOrderedByName(t *testing.T) {
	c, _ := newTestCatalog(t)

	all := c.List(Filter{})
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Name, all[i].Name)
	}
}

func TestCorruptUserCatalogSurfacesError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, UserModelsFile), []byte("{not json"), 0o644))

	_, err := New(logging.Discard(), dir)
	assert.Error(t, err)
}
