package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenText(t *testing.T) {
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)

	sealed, err := SealText("hi", recipient.Public)
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "hi")

	plain, err := OpenText(sealed, recipient.Private)
	require.NoError(t, err)
	assert.Equal(t, "hi", plain)
}

func TestOpenTextWrongKey(t *testing.T) {
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)
	other, err := GenerateKeyPair()
	require.NoError(t, err)

	sealed, err := SealText("secret", recipient.Public)
	require.NoError(t, err)

	_, err = OpenText(sealed, other.Private)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestOpenTextPlain(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = OpenText("hello", kp.Private)
	assert.ErrorIs(t, err, ErrNotSealed)

	_, err = OpenText("box:!!!", kp.Private)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestParseKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	key, err := ParseKey(hex.EncodeToString(kp.Public[:]) + "\n")
	require.NoError(t, err)
	assert.Equal(t, kp.Public, key)

	_, err = ParseKey("zz")
	assert.Error(t, err)
	_, err = ParseKey("abcd")
	assert.Error(t, err)
}
