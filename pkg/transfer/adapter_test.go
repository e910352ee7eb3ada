package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storesync/storesync/pkg/errors"
	"github.com/storesync/storesync/pkg/record"
)

func TestRegistryRejectsDuplicateKinds(t *testing.T) {
	registry := NewRegistry()
	reg := registration(newMemoryAdapter("products"))

	require.NoError(t, registry.Register(reg))
	err := registry.Register(reg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestRegistryValidatesRegistrations(t *testing.T) {
	registry := NewRegistry()

	err := registry.Register(Registration{NaturalKey: KeyField("handle")})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig), "missing adapter")

	err = registry.Register(Registration{Adapter: newMemoryAdapter("products")})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig), "missing natural key")
}

func TestRegistryLookup(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(registration(newMemoryAdapter("products"))))
	require.NoError(t, registry.Register(registration(newMemoryAdapter("collections"))))

	_, ok := registry.Get("products")
	assert.True(t, ok)
	_, ok = registry.Get("orders")
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{"products", "collections"}, registry.Kinds())
}

func TestKeyField(t *testing.T) {
	rec := record.New()
	rec.SetField("handle", "blue-shirt")

	assert.Equal(t, "blue-shirt", KeyField("handle")(rec))
	assert.Equal(t, "", KeyField("missing")(rec))
}

func TestRegistrationFingerprintDefaults(t *testing.T) {
	rec := record.New()
	rec.SetField("handle", "blue-shirt")

	reg := Registration{}
	assert.Equal(t, record.Fingerprint(rec), reg.fingerprint()(rec))

	reg.Fingerprint = record.FingerprintFields("handle")
	assert.Equal(t, record.FingerprintFields("handle")(rec), reg.fingerprint()(rec))
}
