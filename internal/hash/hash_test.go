package hash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		md5    string
		sha256 string
	}{
		{
			name:   "empty",
			input:  "",
			md5:    "d41d8cd98f00b204e9800998ecf8427e",
			sha256: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name:   "abc",
			input:  "abc",
			md5:    "900150983cd24fb0d6963f7d28e17f72",
			sha256: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.md5, MD5([]byte(tt.input)))
			require.Equal(t, tt.sha256, SHA256([]byte(tt.input)))
			m, s := Domain(tt.input)
			require.Equal(t, tt.md5, m)
			require.Equal(t, tt.sha256, s)
		})
	}
}
