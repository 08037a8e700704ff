package crypto

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := Seal([]byte("whsec_live_123"), "hunter2")
	require.NoError(t, err)

	plain, err := Open(sealed, "hunter2")
	require.NoError(t, err)
	require.Equal(t, "whsec_live_123", string(plain))

	_, err = Open(sealed, "wrong")
	require.Error(t, err)

	_, err = Seal([]byte("x"), "")
	require.Error(t, err)
}

func TestLoadSecret(t *testing.T) {
	v, err := LoadSecret("  inline  ", "/does/not/exist", "")
	require.NoError(t, err)
	require.Equal(t, "inline", v)

	v, err = LoadSecret("", "", "")
	require.NoError(t, err)
	require.Empty(t, v)

	sealed, err := Seal([]byte("api-key-1\n"), "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "api_key.json")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	v, err = LoadSecret("", path, "pw")
	require.NoError(t, err)
	require.Equal(t, "api-key-1", v)

	_, err = LoadSecret("", path, "nope")
	require.Error(t, err)
}

func TestWebhookSigner(t *testing.T) {
	s := NewWebhookSigner("secret")
	now := time.Unix(1_767_225_600, 0)
	s.now = func() time.Time { return now }
	body := []byte(`{"event":"payment_settled"}`)

	h := s.Headers(body)
	require.Equal(t, "1767225600", h[HeaderTimestamp])
	require.Len(t, h[HeaderSignature], 64)
	require.NoError(t, s.Verify(body, h[HeaderTimestamp], h[HeaderSignature], time.Minute))

	require.ErrorIs(t, s.Verify([]byte(`{}`), h[HeaderTimestamp], h[HeaderSignature], time.Minute), ErrBadSignature)

	old := s.HeadersAt(body, now.Add(-time.Hour).Unix())
	require.ErrorIs(t, s.Verify(body, old[HeaderTimestamp], old[HeaderSignature], time.Minute), ErrStaleSignature)

	other := NewWebhookSigner("other")
	other.now = s.now
	require.NotEqual(t, h[HeaderSignature], other.Headers(body)[HeaderSignature])
	require.Equal(t, "WebhookSigner{secret=secr****}", s.String())
}
