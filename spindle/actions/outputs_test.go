package actions

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutputs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]string
		err  bool
	}{
		{
			name: "empty",
			in:   "",
			want: map[string]string{},
		},
		{
			name: "simple values",
			in:   "version=3.8\npath=/opt/python\n",
			want: map[string]string{"version": "3.8", "path": "/opt/python"},
		},
		{
			name: "value containing =",
			in:   "opts=a=b\n",
			want: map[string]string{"opts": "a=b"},
		},
		{
			name: "later wins",
			in:   "a=1\na=2\n",
			want: map[string]string{"a": "2"},
		},
		{
			name: "heredoc",
			in:   "notes<<EOF\nline one\nline two\nEOF\nafter=x\n",
			want: map[string]string{"notes": "line one\nline two", "after": "x"},
		},
		{
			name: "crlf",
			in:   "a=1\r\nb=2\r\n",
			want: map[string]string{"a": "1", "b": "2"},
		},
		{
			name: "blank lines skipped",
			in:   "\n\na=1\n\n",
			want: map[string]string{"a": "1"},
		},
		{
			name: "unclosed heredoc",
			in:   "notes<<EOF\nline\n",
			err:  true,
		},
		{
			name: "no separator",
			in:   "garbage\n",
			err:  true,
		},
		{
			name: "empty name",
			in:   "=value\n",
			err:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOutputs(strings.NewReader(tt.in))
			if tt.err {
				assert.ErrorIs(t, err, ErrMalformedOutput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadOutputFileMissing(t *testing.T) {
	got, err := ReadOutputFile(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, got)
}
