package buildgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRef(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRef("//scope:name"))
	assert.True(t, IsRef(":name"))
	assert.False(t, IsRef("plain-string"))
	assert.False(t, IsRef("path/to/file.c"))
	assert.False(t, IsRef(""))
}

func TestParseRef(t *testing.T) {
	t.Parallel()

	t.Run("absolute", func(t *testing.T) {
		ref, err := ParseRef("//lib:zlib")
		require.NoError(t, err)
		assert.Equal(t, "lib", ref.Scope)
		assert.Equal(t, "zlib", ref.Name)
		assert.Equal(t, "//lib:zlib", ref.String())
	})

	t.Run("relative", func(t *testing.T) {
		ref, err := ParseRef(":main")
		require.NoError(t, err)
		assert.Equal(t, "", ref.Scope)
		assert.Equal(t, "main", ref.Name)
		assert.Equal(t, "//app:main", ref.In("app").String())
	})

	t.Run("syntax errors", func(t *testing.T) {
		for _, bad := range []string{"", "name", "//scope", "//:name", ":", "//a:b:c"} {
			_, err := ParseRef(bad)
			var synErr *RefSyntaxError
			assert.ErrorAs(t, err, &synErr, "input %q", bad)
		}
	})
}
