package audio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/househunter/messaging/internal/model"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    model.Format
		wantErr bool
	}{
		{name: "webm", data: append([]byte{0x1A, 0x45, 0xDF, 0xA3}, make([]byte, 16)...), want: model.FormatWebM},
		{name: "m4a", data: []byte("\x00\x00\x00\x20ftypM4A \x00\x00"), want: model.FormatM4A},
		{name: "empty", data: nil, wantErr: true},
		{name: "text", data: []byte("hello world!"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat(writeFile(t, "f", tt.data))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownContainer)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHeaderVerifier_FormatMismatch(t *testing.T) {
	path := writeFile(t, "a.m4a", []byte("\x00\x00\x00\x20ftypM4A \x00\x00"))
	assert.NoError(t, HeaderVerifier{}.Verify(path, model.FormatM4A))
	assert.ErrorIs(t, HeaderVerifier{}.Verify(path, model.FormatWebM), ErrUnknownContainer)
}
