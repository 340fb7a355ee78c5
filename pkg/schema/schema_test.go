package schema_test

import (
	"reflect"
	"testing"

	"github.com/skalene/mcpkit/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capabilityRequest struct {
	Name     string `json:"name" jsonschema:"description=Short name for the new capability"`
	Language string `json:"language" jsonschema:"enum=javascript,enum=python"`
	Code     string `json:"code" jsonschema:"description=Complete source code for the server"`
}

func TestNew(t *testing.T) {
	s, err := schema.New(reflect.TypeOf(capabilityRequest{}))
	require.NoError(t, err)
	require.NotNil(t, s.Parameters)

	props := s.Parameters.Properties
	require.NotNil(t, props)

	var keys []string
	for pair := props.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	assert.Equal(t, []string{"name", "language", "code"}, keys)
	assert.Equal(t, []string{"name", "language", "code"}, s.Parameters.Required)

	// cached on second call
	s2, err := schema.New(reflect.TypeOf(capabilityRequest{}))
	require.NoError(t, err)
	assert.Same(t, s, s2)
}

func TestToMap(t *testing.T) {
	s, err := schema.New(reflect.TypeOf(capabilityRequest{}))
	require.NoError(t, err)

	m := s.ToMap()
	require.NotNil(t, m)
	assert.Equal(t, "object", m["type"])

	props, ok := m["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "name")
	assert.Contains(t, props, "language")
	assert.Contains(t, props, "code")
}
