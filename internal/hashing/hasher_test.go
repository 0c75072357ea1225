package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastHasher(pepper string) *Hasher {
	return NewHasherWithParams(Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1}, pepper)
}

func TestHasher_HashAndVerify(t *testing.T) {
	t.Parallel()

	h := fastHasher("pepper")
	encoded, err := h.HashPassword("hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=1024,t=1,p=1$"))

	ok, err := h.VerifyPassword("hunter2", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPassword("hunter3", encoded)
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := h.HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, encoded, again, "salt must differ per hash")
}

func TestHasher_PepperMatters(t *testing.T) {
	t.Parallel()

	encoded, err := fastHasher("a").HashPassword("pw")
	require.NoError(t, err)

	ok, err := fastHasher("b").VerifyPassword("pw", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasher_VerifyUsesStoredParams(t *testing.T) {
	t.Parallel()

	encoded, err := fastHasher("").HashPassword("pw")
	require.NoError(t, err)

	stronger := NewHasherWithParams(Argon2Params{Memory: 2048, Iterations: 2, Parallelism: 1}, "")
	ok, err := stronger.VerifyPassword("pw", encoded)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, stronger.NeedsRehash(encoded))
	assert.False(t, fastHasher("").NeedsRehash(encoded))
}

func TestHasher_InvalidHash(t *testing.T) {
	t.Parallel()

	h := fastHasher("")
	for _, bad := range []string{"", "plain", "$argon2i$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA", "$argon2id$v=19$m=x$c2FsdA$aGFzaA"} {
		_, err := h.VerifyPassword("pw", bad)
		assert.ErrorIs(t, err, ErrInvalidHash, bad)
	}

	_, err := h.VerifyPassword("pw", "$argon2id$v=16$m=1,t=1,p=1$c2FsdA$aGFzaA")
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
