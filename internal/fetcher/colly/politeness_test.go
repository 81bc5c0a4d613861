package collyfetcher

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostBlocker(t *testing.T) {
	t.Parallel()

	b := newHostBlocker(2)
	require.False(t, b.IsBlocked("docs.example.com"))
	require.False(t, b.MarkForbidden("docs.example.com"))
	require.True(t, b.MarkForbidden("docs.example.com"))
	require.False(t, b.MarkForbidden("docs.example.com"), "only the crossing call reports true")
	require.True(t, b.IsBlocked("DOCS.EXAMPLE.COM"))
	require.False(t, b.IsBlocked("api.example.com"))
	require.False(t, b.MarkForbidden(""))
}

func TestNormalizeLink(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"HTTPS://Docs.Example.com:443/Guide?b=2&a=1#intro": "https://docs.example.com/Guide?a=1&b=2",
		"http://docs.example.com:80/":                       "http://docs.example.com/",
		"http://docs.example.com:8080/x":                    "http://docs.example.com:8080/x",
		"https://docs.example.com/page":                     "https://docs.example.com/page",
	}
	for raw, want := range tests {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, want, normalizeLink(u), raw)
	}
}
