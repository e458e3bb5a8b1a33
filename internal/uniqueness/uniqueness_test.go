package uniqueness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/beetle/internal/ir"
)

func TestFields(t *testing.T) {
	p := Policy{"publishers": {"name", "country_code"}, "empty": {}}

	fields, ok := p.Fields("publishers")
	require.True(t, ok)
	assert.Equal(t, []string{"name", "country_code"}, fields)

	_, ok = p.Fields("organisations")
	assert.False(t, ok)

	_, ok = p.Fields("empty")
	assert.False(t, ok, "an empty key list declares nothing")
}

func TestNilPolicy(t *testing.T) {
	var p Policy
	_, ok := p.Fields("publishers")
	assert.False(t, ok)
	assert.Empty(t, p.Tables())
	assert.NoError(t, p.Validate(nil))
}

func TestValidate(t *testing.T) {
	ts := []ir.Transformation{
		{TableName: "clients", Columns: []string{"name", "country_code", "address"}},
	}

	assert.NoError(t, Policy{"clients": {"name", "country_code"}}.Validate(ts))

	err := Policy{"clients": {"name", "vat"}}.Validate(ts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"vat"`)

	err = Policy{"publishers": {"name"}}.Validate(ts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no transformation")

	err = Policy{"clients": {"name", "name"}}.Validate(ts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}
