//go:build !profile

package prof

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStub(t *testing.T) {
	assert.False(t, Enabled)

	dir := t.TempDir()
	s, err := Start(Options{Dir: dir, CPU: true, Snapshots: []Profile{ProfileHeap}})
	require.NoError(t, err)
	assert.NoError(t, s.Stop())
	assert.NoFileExists(t, Options{Dir: dir}.path(ProfileHeap))

	var buf bytes.Buffer
	assert.NoError(t, WriteTo(ProfileHeap, &buf, 1))
	assert.Zero(t, buf.Len())

	_, err = Start(Options{})
	assert.Error(t, err)
}
