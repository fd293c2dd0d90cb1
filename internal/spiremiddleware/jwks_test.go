package spiremiddleware

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRsaPublicKeyFromJWKStandardExponent(t *testing.T) {
	k := jwk{
		Kty: "RSA",
		N:   base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x02, 0x03}),
		E:   base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x00, 0x01}), // 65537
	}
	pub, err := rsaPublicKeyFromJWK(k)
	require.NoError(t, err)
	require.Equal(t, 65537, pub.E)
}

func TestRsaPublicKeyFromJWKRejectsOversizedExponentInsteadOfPanicking(t *testing.T) {
	oversized := make([]byte, 9)
	k := jwk{
		Kty: "RSA",
		N:   base64.RawURLEncoding.EncodeToString([]byte{0x01}),
		E:   base64.RawURLEncoding.EncodeToString(oversized),
	}
	_, err := rsaPublicKeyFromJWK(k)
	require.Error(t, err, "a malicious or malformed JWKS document must not crash the gateway")
}

func TestRsaPublicKeyFromJWKRejectsEmptyExponent(t *testing.T) {
	k := jwk{
		Kty: "RSA",
		N:   base64.RawURLEncoding.EncodeToString([]byte{0x01}),
		E:   "",
	}
	_, err := rsaPublicKeyFromJWK(k)
	require.Error(t, err)
}
