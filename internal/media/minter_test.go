package media

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortTokenShape(t *testing.T) {
	m := NewMinter("app-id", "app-cert")

	tok, err := m.ShortToken("vp-room-1", 42)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tok.Token, "007"))
	assert.Equal(t, ShortTTLSeconds, tok.ExpiresInSeconds)

	// The body is valid base64 over a zlib stream.
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(tok.Token, "007"))
	require.NoError(t, err)
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	packed, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(packed), "app-id")
	assert.Contains(t, string(packed), "vp-room-1")
}

func TestGrantTTLs(t *testing.T) {
	m := NewMinter("app-id", "app-cert")

	booked, err := m.BookedToken("ch", 1)
	require.NoError(t, err)
	assert.Equal(t, BookedTTLSeconds, booked.ExpiresInSeconds)

	host, err := m.BroadcasterToken("ch", 1)
	require.NoError(t, err)
	assert.Equal(t, BookedTTLSeconds, host.ExpiresInSeconds)

	viewer, err := m.ViewerToken("ch", 2)
	require.NoError(t, err)
	assert.Equal(t, BookedTTLSeconds, viewer.ExpiresInSeconds)
}

func TestConfiguredTTLsOverrideDefaults(t *testing.T) {
	m := NewMinter("app-id", "app-cert").WithTTLs(120, 7200)

	short, err := m.ShortToken("ch", 1)
	require.NoError(t, err)
	assert.Equal(t, 120, short.ExpiresInSeconds)

	booked, err := m.BookedToken("ch", 1)
	require.NoError(t, err)
	assert.Equal(t, 7200, booked.ExpiresInSeconds)

	// Zero keeps the defaults in place.
	m = NewMinter("app-id", "app-cert").WithTTLs(0, 0)
	short, err = m.ShortToken("ch", 1)
	require.NoError(t, err)
	assert.Equal(t, ShortTTLSeconds, short.ExpiresInSeconds)
}

func TestTokensAreSalted(t *testing.T) {
	m := NewMinter("app-id", "app-cert")

	a, err := m.ShortToken("ch", 1)
	require.NoError(t, err)
	b, err := m.ShortToken("ch", 1)
	require.NoError(t, err)
	assert.NotEqual(t, a.Token, b.Token)
}

func TestMintRequiresAppID(t *testing.T) {
	m := NewMinter("", "app-cert")

	_, err := m.ShortToken("ch", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token_mint_failed")
}
