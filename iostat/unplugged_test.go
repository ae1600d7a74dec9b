package iostat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileUnpluggedSRs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unplugged-srs")
	require.NoError(t, os.WriteFile(path, []byte("# maintained by SM\nsr-one\n\n  sr-two  \n"), 0644))

	source := &FileUnpluggedSRs{Path: path}
	srs, err := source.UnpluggedSRs()
	require.NoError(t, err)
	assert.Equal(t, []string{"sr-one", "sr-two"}, srs)
}

func TestFileUnpluggedSRsMissingFile(t *testing.T) {
	source := &FileUnpluggedSRs{Path: filepath.Join(t.TempDir(), "absent")}
	srs, err := source.UnpluggedSRs()
	require.NoError(t, err)
	assert.Empty(t, srs)
}
