package crawler

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTPS://Example.COM:443":                    "https://example.com/",
		"http://example.com:80/a#frag":               "http://example.com/a",
		"https://example.com/p?b=2&a=1":              "https://example.com/p?a=1&b=2",
		"https://example.com/p?utm_source=x&id=7":    "https://example.com/p?id=7",
		"https://example.com/p?fbclid=abc&gclid=def": "https://example.com/p",
		"https://example.com/Path/With/Case?Q=1#x":   "https://example.com/Path/With/Case?Q=1",
		"https://example.com/docs?ref=branch":        "https://example.com/docs?ref=branch",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestValidateSeedURL(t *testing.T) {
	t.Parallel()

	got, err := ValidateSeedURL(" https://example.com ")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/", got)

	for _, bad := range []string{"", "example.com", "ftp://example.com", "https://"} {
		_, err := ValidateSeedURL(bad)
		require.Error(t, err, bad)
	}
}

func TestSameSiteIgnoresWWW(t *testing.T) {
	t.Parallel()

	a, _ := url.Parse("https://www.example.com/a")
	b, _ := url.Parse("http://example.com/b")
	c, _ := url.Parse("https://blog.example.com/")
	require.True(t, SameSite(a, b))
	require.False(t, SameSite(a, c))
}

func TestResolveLinkAndCrawlable(t *testing.T) {
	t.Parallel()

	base, _ := url.Parse("https://example.com/docs/")
	link, ok := ResolveLink(base, "../about")
	require.True(t, ok)
	require.Equal(t, "https://example.com/about", link.String())

	for _, href := range []string{"mailto:a@b.c", "tel:123", "javascript:void(0)", "#top", ""} {
		_, ok := ResolveLink(base, href)
		require.False(t, ok, href)
	}

	pdf, ok := ResolveLink(base, "/files/report.PDF")
	require.True(t, ok)
	require.False(t, Crawlable(pdf))
	require.True(t, Crawlable(link))
}
