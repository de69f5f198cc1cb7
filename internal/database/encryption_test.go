package database

import (
	"testing"

	"wagate/internal/constants"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "this-is-a-very-long-test-secret-key-for-encryption-testing"

func enabledEncryptor(t *testing.T) *encryptor {
	t.Helper()
	t.Setenv(envEnableEncryption, "true")
	t.Setenv(envEncryptionSecret, testSecret)
	e, err := NewEncryptor()
	require.NoError(t, err)
	return e
}

func TestEncryptor_EncryptDecrypt(t *testing.T) {
	e := enabledEncryptor(t)

	testCases := []struct {
		name      string
		plaintext string
	}{
		{name: "simple text", plaintext: "hello world"},
		{name: "empty string", plaintext: ""},
		{name: "unicode text", plaintext: "Hello 世界 🌍"},
		{name: "hex secret", plaintext: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ciphertext, err := e.Encrypt(tc.plaintext)
			require.NoError(t, err)

			if tc.plaintext == "" {
				assert.Equal(t, "", ciphertext)
				return
			}
			assert.NotEqual(t, tc.plaintext, ciphertext)

			decrypted, err := e.Decrypt(ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tc.plaintext, decrypted)
		})
	}
}

func TestEncryptor_RandomNonce(t *testing.T) {
	e := enabledEncryptor(t)

	c1, err := e.Encrypt("same")
	require.NoError(t, err)
	c2, err := e.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2)
}

func TestEncryptor_DecryptInvalidData(t *testing.T) {
	e := enabledEncryptor(t)

	for name, ciphertext := range map[string]string{
		"invalid base64": "invalid-base64!@#",
		"too short":      "dGVzdA==",
		"corrupted data": "YWJjZGVmZ2hpamtsbW5vcHFyc3R1dnd4eXo=",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := e.Decrypt(ciphertext)
			assert.Error(t, err)
		})
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	t.Setenv(envEnableEncryption, "false")

	e, err := NewEncryptor()
	require.NoError(t, err)
	assert.False(t, e.Enabled())

	out, err := e.Encrypt("secret")
	require.NoError(t, err)
	assert.Equal(t, "secret", out)
}

func TestDeriveKey(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		t.Setenv(envEncryptionSecret, "")
		_, err := deriveKey()
		require.Error(t, err)
		assert.Contains(t, err.Error(), envEncryptionSecret)
	})

	t.Run("short secret", func(t *testing.T) {
		t.Setenv(envEncryptionSecret, "short")
		_, err := deriveKey()
		assert.Error(t, err)
	})

	t.Run("different secrets differ", func(t *testing.T) {
		t.Setenv(envEncryptionSecret, testSecret)
		k1, err := deriveKey()
		require.NoError(t, err)
		assert.Len(t, k1, constants.EncryptionKeySize)

		t.Setenv(envEncryptionSecret, testSecret+"-rotated")
		k2, err := deriveKey()
		require.NoError(t, err)
		assert.NotEqual(t, k1, k2)
	})
}

func TestNewEncryptor_EnabledWithoutSecret(t *testing.T) {
	t.Setenv(envEnableEncryption, "true")
	t.Setenv(envEncryptionSecret, "")
	_, err := NewEncryptor()
	assert.Error(t, err)
}
