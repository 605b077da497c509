package credentials

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_Generate(t *testing.T) {
	t.Run("default prefix and length", func(t *testing.T) {
		gen := NewGenerator("")
		raw, err := gen.Generate()
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(raw, DefaultPrefix))
		assert.Len(t, raw, len(DefaultPrefix)+64)
	})

	t.Run("custom prefix", func(t *testing.T) {
		gen := NewGenerator("test_")
		raw, err := gen.Generate()
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(raw, "test_"))
		assert.Len(t, raw, len("test_")+64)
	})

	t.Run("generates unique keys", func(t *testing.T) {
		gen := NewGenerator("")
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			raw, err := gen.Generate()
			require.NoError(t, err)
			assert.False(t, seen[raw])
			seen[raw] = true
		}
	})
}

func TestHash(t *testing.T) {
	t.Run("deterministic 64-char hex", func(t *testing.T) {
		h1 := Hash("aims_abc")
		h2 := Hash("aims_abc")

		assert.Equal(t, h1, h2)
		assert.Len(t, h1, HashLen)
		assert.Equal(t, strings.ToLower(h1), h1)
	})

	t.Run("known digest", func(t *testing.T) {
		// sha256("abc")
		assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Hash("abc"))
	})

	t.Run("different keys differ", func(t *testing.T) {
		assert.NotEqual(t, Hash("aims_one"), Hash("aims_two"))
	})
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "aims_abc", Prefix("aims_abcdef0123"))
	assert.Equal(t, "short", Prefix("short"))
}

func TestHashEqual(t *testing.T) {
	h := Hash("aims_key")
	assert.True(t, HashEqual(h, Hash("aims_key")))
	assert.False(t, HashEqual(h, Hash("aims_other")))
	assert.False(t, HashEqual(h, ""))
}

func BenchmarkHash(b *testing.B) {
	gen := NewGenerator("")
	raw, _ := gen.Generate()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = Hash(raw)
	}
}
