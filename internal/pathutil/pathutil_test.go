package pathutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "root", raw: "", want: ""},
		{name: "dot", raw: ".", want: ""},
		{name: "simple", raw: "docs", want: "docs"},
		{name: "nested", raw: "docs/2024/report.pdf", want: "docs/2024/report.pdf"},
		{name: "redundant separators", raw: "docs//2024///report.pdf", want: "docs/2024/report.pdf"},
		{name: "trailing slash", raw: "docs/", want: "docs"},
		{name: "current dir segments", raw: "./docs/./a.txt", want: "docs/a.txt"},
		{name: "backslashes", raw: "docs\\a.txt", want: "docs/a.txt"},
		{name: "dotfile", raw: "docs/.hidden", want: "docs/.hidden"},
		{name: "dots inside name", raw: "a..b/c", want: "a..b/c"},
		{name: "parent reference", raw: "../etc/passwd", wantErr: true},
		{name: "embedded parent reference", raw: "docs/../../etc", wantErr: true},
		{name: "parent via backslash", raw: "docs\\..\\x", wantErr: true},
		{name: "bare parent", raw: "..", wantErr: true},
		{name: "absolute", raw: "/etc/passwd", wantErr: true},
		{name: "absolute backslash", raw: "\\etc", wantErr: true},
		{name: "drive letter", raw: "C:/Windows", wantErr: true},
		{name: "drive letter relative", raw: "c:foo", wantErr: true},
		{name: "nul byte", raw: "docs/a\x00.txt", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJoin(t *testing.T) {
	got, err := Join("", "docs")
	require.NoError(t, err)
	assert.Equal(t, "docs", got)

	got, err = Join("docs", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "docs/a.txt", got)

	got, err = Join("docs", "sub/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "docs/sub/a.txt", got)

	_, err = Join("docs", "../../x")
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = Join("docs", "/abs")
	require.NoError(t, err, "name is appended after a separator, so a leading slash collapses")
}

func TestParentBaseExt(t *testing.T) {
	tests := []struct {
		path, parent, base, ext string
	}{
		{"", "", "", ""},
		{"a.txt", "", "a.txt", "txt"},
		{"docs/a.TXT", "docs", "a.TXT", "txt"},
		{"docs/2024/archive.tar.gz", "docs/2024", "archive.tar.gz", "gz"},
		{"docs/.env", "docs", ".env", "env"},
		{"docs/README", "docs", "README", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.parent, Parent(tt.path), "Parent(%q)", tt.path)
		assert.Equal(t, tt.base, Base(tt.path), "Base(%q)", tt.path)
		assert.Equal(t, tt.ext, Ext(tt.path), "Ext(%q)", tt.path)
	}
}

func TestValidName(t *testing.T) {
	valid := []string{"docs", "a.txt", ".hidden", "with space", "a..b"}
	for _, n := range valid {
		assert.True(t, ValidName(n), n)
	}
	invalid := []string{"", ".", "..", "a/b", "a\\b", "a\x00b"}
	for _, n := range invalid {
		assert.False(t, ValidName(n), n)
	}
}

func TestIsWithin(t *testing.T) {
	assert.True(t, IsWithin("", "anything"))
	assert.True(t, IsWithin("a", "a"))
	assert.True(t, IsWithin("a", "a/b"))
	assert.False(t, IsWithin("a", "ab"))
	assert.False(t, IsWithin("a/b", "a"))
}

func TestSplit(t *testing.T) {
	assert.Nil(t, Split(""))
	assert.Equal(t, []string{"a", "b", "c"}, Split("a/b/c"))
}
