package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithinDir(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "reports")
	outside := filepath.Join(root, "elsewhere")
	require.NoError(t, os.MkdirAll(base, 0755))
	require.NoError(t, os.MkdirAll(outside, 0755))
	require.NoError(t, os.Symlink(outside, filepath.Join(base, "link")))

	tests := []struct {
		name string
		path string
		ok   bool
	}{
		{"file in base", filepath.Join(base, "a.png"), true},
		{"new nested dir", filepath.Join(base, "session", "a.png"), true},
		{"base itself", base, true},
		{"dot-dot escape", filepath.Join(base, "..", "elsewhere", "a.png"), false},
		{"sibling with common prefix", base + "-old", false},
		{"through symlink", filepath.Join(base, "link", "a.png"), false},
		{"new file under symlink", filepath.Join(base, "link", "new", "a.png"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WithinDir(tt.path, base)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrOutsideDir)
			}
		})
	}

	assert.Error(t, WithinDir(filepath.Join(root, "x"), filepath.Join(root, "missing")))
}

func TestSafeName(t *testing.T) {
	tests := map[string]string{
		"3f2b9c1e-8d4a-4e7b-9a6f-0c1d2e3f4a5b": "3f2b9c1e-8d4a-4e7b-9a6f-0c1d2e3f4a5b",
		"../../etc/passwd":                     "etc_passwd",
		"flight one / take two":                "flight_one_take_two",
		"":                                     "unnamed",
		"...":                                  "unnamed",
	}
	for in, want := range tests {
		assert.Equal(t, want, SafeName(in), "SafeName(%q)", in)
	}

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, SafeName(string(long)), maxNameLen)
}
