package headless

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCookies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage_state.json")
	payload := `{
		"cookies": [
			{"name": "session", "value": "abc", "domain": ".shop.ru", "path": "/", "httpOnly": true, "secure": true, "sameSite": "Lax"}
		],
		"origins": []
	}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	cookies, err := loadCookies(path)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "session", cookies[0].Name)
	assert.Equal(t, ".shop.ru", cookies[0].Domain)
	assert.True(t, cookies[0].HTTPOnly)
	assert.Equal(t, network.CookieSameSiteLax, cookies[0].SameSite)
}

func TestLoadCookiesMissingFile(t *testing.T) {
	cookies, err := loadCookies(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Empty(t, cookies)
}

func TestLoadCookiesEmptyPath(t *testing.T) {
	cookies, err := loadCookies("")
	require.NoError(t, err)
	assert.Nil(t, cookies)
}
