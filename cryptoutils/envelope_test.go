package cryptoutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealAndOpen(t *testing.T) {
	publicKeyPEM, privateKeyPEM, err := GenerateSealingKeyPEM()
	require.NoError(t, err)

	testCases := []struct {
		name string
		data []byte
	}{
		{
			name: "simple string",
			data: []byte("kek material"),
		},
		{
			name: "JSON data",
			data: []byte(`{"kek":"AAAA","wrapped":true}`),
		},
		{
			name: "binary data",
			data: []byte{0x00, 0x01, 0x02, 0x03, 0xFF, 0xFE, 0xFD},
		},
		{
			name: "long data",
			data: make([]byte, 1024),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := SealToPublicKey(publicKeyPEM, tc.data)
			require.NoError(t, err)
			require.Greater(t, len(sealed), len(tc.data))

			opened, err := OpenWithPrivateKey(privateKeyPEM, sealed)
			require.NoError(t, err)
			require.Equal(t, tc.data, opened)
		})
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	publicKeyPEM, _, err := GenerateSealingKeyPEM()
	require.NoError(t, err)
	_, otherPrivateKeyPEM, err := GenerateSealingKeyPEM()
	require.NoError(t, err)

	sealed, err := SealToPublicKey(publicKeyPEM, []byte("kek material"))
	require.NoError(t, err)

	_, err = OpenWithPrivateKey(otherPrivateKeyPEM, sealed)
	require.Error(t, err)
}

func TestInvalidKeyFormats(t *testing.T) {
	_, err := SealToPublicKey([]byte("not a valid PEM"), []byte("test"))
	require.Error(t, err)

	_, err = OpenWithPrivateKey([]byte("not a valid PEM"), []byte("test"))
	require.Error(t, err)

	_, privateKeyPEM, err := GenerateSealingKeyPEM()
	require.NoError(t, err)

	_, err = OpenWithPrivateKey(privateKeyPEM, []byte{0x01})
	require.Error(t, err)

	_, err = OpenWithPrivateKey(privateKeyPEM, make([]byte, 100))
	require.Error(t, err)
}

func TestDeriveKEK(t *testing.T) {
	first := DeriveKEK([]byte("correct horse"), "tenant-a")
	again := DeriveKEK([]byte("correct horse"), "tenant-a")
	require.Equal(t, first, again, "Derivation should be deterministic")
	require.Len(t, first, 32)

	otherTenant := DeriveKEK([]byte("correct horse"), "tenant-b")
	require.NotEqual(t, first, otherTenant, "Tenants should never share derived keys")

	otherPassphrase := DeriveKEK([]byte("battery staple"), "tenant-a")
	require.NotEqual(t, first, otherPassphrase)
}
