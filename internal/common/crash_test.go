package common

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCrashFile(t *testing.T) {
	original := CrashLogDir
	t.Cleanup(func() { CrashLogDir = original })

	InstallCrashHandler(t.TempDir())

	path := WriteCrashFile("renderer exploded", "main.go:10")
	require.NotEmpty(t, path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "PHISHWATCH CRASH REPORT")
	assert.Contains(t, string(content), "renderer exploded")
	assert.Contains(t, string(content), "main.go:10")
}
