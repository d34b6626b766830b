package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilStoreNeverFails(t *testing.T) {
	var s NilStore
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, Item{ID: "a"}))
	matches, err := s.Search(ctx, []float32{1, 2}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.DeleteByMetadata(ctx, map[string]string{"k": "v"}))
	require.NoError(t, s.Clear(ctx))
}

func TestRegistryDefaultsToNil(t *testing.T) {
	r := NewRegistry()
	s, err := r.New(ProviderConfig{})
	require.NoError(t, err)
	_, ok := s.(NilStore)
	assert.True(t, ok)
}

func TestProviderConfigValidateRejectsIncompleteQdrant(t *testing.T) {
	cfg := ProviderConfig{Type: ProviderQdrant}
	cfg.SetDefaults()
	assert.Error(t, cfg.Validate())
}

func TestProviderConfigValidateRejectsIncompletePinecone(t *testing.T) {
	cfg := ProviderConfig{Type: ProviderPinecone}
	cfg.SetDefaults()
	assert.Error(t, cfg.Validate())
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.New(ProviderConfig{Type: "made-up"})
	assert.Error(t, err)
}
