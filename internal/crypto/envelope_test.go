package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	key, err := DeriveKey([]byte("test-master-secret"), "content")
	require.NoError(t, err)
	c, err := NewCipher(key)
	require.NoError(t, err)
	return c
}

func TestSealOpenRoundTrip(t *testing.T) {
	c := testCipher(t)

	plaintext := []byte(`{"kind":"user-text","text":"hello"}`)
	body, err := c.Seal(plaintext)
	require.NoError(t, err)

	// version byte + nonce + ciphertext, never the plaintext
	require.Equal(t, byte(SchemeAESGCM), body[0])
	require.NotContains(t, string(body), "hello")

	opened, err := c.Open(body)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestSealProducesFreshNonces(t *testing.T) {
	c := testCipher(t)

	a, err := c.Seal([]byte("same input"))
	require.NoError(t, err)
	b, err := c.Seal([]byte("same input"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestOpenRejectsBadBodies(t *testing.T) {
	c := testCipher(t)

	_, err := c.Open([]byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrEnvelopeTooShort)

	body, err := c.Seal([]byte("payload"))
	require.NoError(t, err)

	body[0] = 0x7f
	_, err = c.Open(body)
	require.ErrorIs(t, err, ErrUnknownScheme)

	body[0] = SchemeAESGCM
	body[len(body)-1] ^= 0xff
	_, err = c.Open(body)
	require.Error(t, err)
}

func TestDeriveKeyContextsDiffer(t *testing.T) {
	secret := []byte("master")
	a, err := DeriveKey(secret, "content")
	require.NoError(t, err)
	b, err := DeriveKey(secret, "machine:m1")
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	again, err := DeriveKey(secret, "content")
	require.NoError(t, err)
	require.Equal(t, a, again)
}

func TestWrongKeyCannotOpen(t *testing.T) {
	c := testCipher(t)
	body, err := c.Seal([]byte("secret"))
	require.NoError(t, err)

	otherKey, err := DeriveKey([]byte("different-secret"), "content")
	require.NoError(t, err)
	other, err := NewCipher(otherKey)
	require.NoError(t, err)

	_, err = other.Open(body)
	require.Error(t, err)
}

func TestSealJSONOpenJSON(t *testing.T) {
	c := testCipher(t)

	type payload struct {
		Kind string `json:"kind"`
		Text string `json:"text"`
	}
	body, err := c.SealJSON(payload{Kind: "agent-text", Text: "done"})
	require.NoError(t, err)

	var out payload
	require.NoError(t, c.OpenJSON(body, &out))
	require.Equal(t, "agent-text", out.Kind)
	require.Equal(t, "done", out.Text)
}

func TestCredentialsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	key, err := NewMasterKey()
	require.NoError(t, err)

	creds := &Credentials{AccountID: "acc_1", MasterKey: key, Token: "tok"}
	require.NoError(t, SaveCredentials(path, creds))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadCredentials(path)
	require.NoError(t, err)
	require.Equal(t, creds.AccountID, loaded.AccountID)
	require.Equal(t, creds.MasterKey, loaded.MasterKey)
}

func TestLoadCredentialsMissing(t *testing.T) {
	_, err := LoadCredentials(filepath.Join(t.TempDir(), "nope.json"))
	require.ErrorIs(t, err, ErrNoCredentials)
}
