package security

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFilePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
		errMsg  string
	}{
		{name: "valid relative path", path: "config/config.json"},
		{name: "valid absolute path", path: "/etc/wagate/config.json"},
		{name: "dots in file name", path: "config/app..json"},
		{name: "empty path", path: "", wantErr: true, errMsg: "path cannot be empty"},
		{name: "leading traversal", path: "../../../etc/passwd", wantErr: true, errMsg: "directory traversal"},
		{name: "embedded traversal", path: "config/../../etc/passwd", wantErr: true, errMsg: "directory traversal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilePath(tt.path)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidatePathComponent(t *testing.T) {
	valid := []string{"tenant-1", "a", "0b6f2c1e-7f3a-4a55-9d0e-1c2b3a4d5e6f", "under_score"}
	for _, v := range valid {
		assert.NoError(t, ValidatePathComponent(v), v)
	}

	invalid := []string{"", "..", "a/b", `a\b`, "with space", "dot.name"}
	for _, v := range invalid {
		assert.Error(t, ValidatePathComponent(v), v)
	}
}

func TestCredentialsPath(t *testing.T) {
	base := t.TempDir()

	path, err := CredentialsPath(base, "tenant1", "session1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "tenant1", "session1.db"), path)

	_, err = CredentialsPath(base, "..", "session1")
	assert.Error(t, err)

	_, err = CredentialsPath(base, "tenant1", "../escape")
	assert.Error(t, err)

	_, err = CredentialsPath("", "tenant1", "session1")
	assert.Error(t, err)
}
