package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarm/internal/api"
)

func TestFactory_RegisterAndNew(t *testing.T) {
	called := false
	Register("test-driver", func(cfg map[string]interface{}) (Provider, error) {
		called = true
		assert.Equal(t, "value", cfg["key"])
		return nil, nil
	})

	_, err := New("test-driver", map[string]interface{}{"key": "value"})
	require.NoError(t, err)
	assert.True(t, called)

	assert.Contains(t, RegisteredTypes(), api.ProviderType("test-driver"))
}

func TestFactory_UnknownType(t *testing.T) {
	_, err := New("no-such-driver", nil)
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))
}

func TestFactory_DuplicateRegistrationPanics(t *testing.T) {
	Register("dup-driver", func(map[string]interface{}) (Provider, error) { return nil, nil })
	assert.Panics(t, func() {
		Register("dup-driver", func(map[string]interface{}) (Provider, error) { return nil, nil })
	})
}
