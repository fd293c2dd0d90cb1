package spiretls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKnownExactDomainMatch(t *testing.T) {
	m := &Manager{domain: map[string]struct{}{"a.example": {}, "b.example": {}}}
	require.True(t, m.known("a.example"))
	require.True(t, m.known("b.example"))
	require.False(t, m.known("c.example"))
}

func TestKnownWildcardLabelFallback(t *testing.T) {
	m := &Manager{domain: map[string]struct{}{"*.example.com": {}}}
	require.True(t, m.known("foo.example.com"))
	require.True(t, m.known("bar.example.com"))
	require.False(t, m.known("foo.bar.example.com"), "wildcard only covers one label")
	require.False(t, m.known("example.com"))
}

func TestKnownIsCaseInsensitive(t *testing.T) {
	m := &Manager{domain: map[string]struct{}{"a.example": {}}}
	require.True(t, m.known("A.Example"))
}

func TestGetCertificateRejectsUnknownSNIWithoutConsultingIssuer(t *testing.T) {
	// magic is left nil: GetCertificate must reject an unmanaged SNI name
	// before ever dereferencing it, otherwise this call would panic.
	m := &Manager{domain: map[string]struct{}{"a.example": {}, "b.example": {}}}

	_, err := m.GetCertificate("evil.example")
	require.Error(t, err, "unknown SNI must fail the handshake, not fall through to the issuer")
}

func TestSetDomainsReplacesPriorSet(t *testing.T) {
	m := &Manager{domain: map[string]struct{}{"old.example": {}}}
	m.mu.Lock()
	m.domain = map[string]struct{}{"new.example": {}}
	m.mu.Unlock()

	require.False(t, m.known("old.example"))
	require.True(t, m.known("new.example"))
}
