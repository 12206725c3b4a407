package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutPresets(t *testing.T) {
	documented, ok := LayoutPreset(LayoutDocumented)
	require.True(t, ok)
	require.NoError(t, documented.Validate())
	assert.Len(t, documented.MachineIDs(), 3*(11+6))

	uniform, ok := LayoutPreset(LayoutUniform12)
	require.True(t, ok)
	assert.Len(t, uniform.MachineIDs(), 3*24)

	_, ok = LayoutPreset("nope")
	assert.False(t, ok)
	assert.Equal(t, []string{LayoutDocumented, LayoutUniform12}, LayoutPresetNames())
}

func TestLayout_MachineIDs(t *testing.T) {
	l := Layout{Name: "tiny", Blocks: []BlockLayout{{Block: 57, Washers: 2, Dryers: 1}}}
	assert.Equal(t, []string{"57W1", "57W2", "57D1"}, l.MachineIDs())
}

func TestLayout_Validate(t *testing.T) {
	assert.Error(t, Layout{Blocks: []BlockLayout{{Block: 56, Washers: 1}}}.Validate())
	assert.Error(t, Layout{Blocks: []BlockLayout{{Block: 55}, {Block: 55}}}.Validate())
	assert.Error(t, Layout{Blocks: []BlockLayout{{Block: 55, Washers: -1}}}.Validate())
	assert.NoError(t, Layout{Blocks: []BlockLayout{{Block: 55, Washers: 0, Dryers: 0}}}.Validate())
}
