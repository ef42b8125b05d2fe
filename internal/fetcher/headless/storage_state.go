package headless

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/chromedp/cdproto/network"
)

// storageState mirrors the browser-tooling export format: the file is taken
// verbatim and only the cookie entries are installed into new contexts.
type storageState struct {
	Cookies []storageCookie `json:"cookies"`
}

type storageCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite"`
}

// loadCookies reads a storage-state file and converts its cookies to CDP
// parameters. A missing path yields no cookies and no error.
func loadCookies(path string) ([]*network.CookieParam, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read storage state: %w", err)
	}
	var state storageState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse storage state: %w", err)
	}

	params := make([]*network.CookieParam, 0, len(state.Cookies))
	for _, cookie := range state.Cookies {
		param := &network.CookieParam{
			Name:     cookie.Name,
			Value:    cookie.Value,
			Domain:   cookie.Domain,
			Path:     cookie.Path,
			HTTPOnly: cookie.HTTPOnly,
			Secure:   cookie.Secure,
		}
		switch cookie.SameSite {
		case "Strict":
			param.SameSite = network.CookieSameSiteStrict
		case "Lax":
			param.SameSite = network.CookieSameSiteLax
		case "None":
			param.SameSite = network.CookieSameSiteNone
		}
		params = append(params, param)
	}
	return params, nil
}
