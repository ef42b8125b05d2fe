package crawler

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes a product link and returns it with its
// fingerprint. Relative links are resolved against baseURL. The canonical form
// lowercases scheme and host, strips default ports and fragments, collapses
// duplicate slashes in the path, sorts the query and drops parameters matching
// the blacklist (literal names or "*"-suffix globs such as "utm_*").
func NormalizeURL(rawURL, baseURL string, stripParams []string) (string, string, error) {
	resolved := rawURL
	if baseURL != "" {
		base, err := url.Parse(baseURL)
		if err != nil {
			return "", "", fmt.Errorf("parse base url: %w", err)
		}
		ref, err := url.Parse(rawURL)
		if err != nil {
			return "", "", fmt.Errorf("parse url: %w", err)
		}
		resolved = base.ResolveReference(ref).String()
	}

	u, err := url.Parse(resolved)
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.Path = collapseSlashes(u.Path)

	query := u.Query()
	for name := range query {
		if paramBlacklisted(name, stripParams) {
			delete(query, name)
		}
	}
	u.RawQuery = query.Encode()

	canonical := u.String()
	return canonical, Fingerprint(canonical), nil
}

// Fingerprint returns the MD5 of a canonical URL in lowercase hex.
func Fingerprint(canonicalURL string) string {
	sum := md5.Sum([]byte(canonicalURL))
	return hex.EncodeToString(sum[:])
}

func paramBlacklisted(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
			continue
		}
		if name == pattern {
			return true
		}
	}
	return false
}

func collapseSlashes(path string) string {
	if !strings.Contains(path, "//") {
		return path
	}
	var b strings.Builder
	b.Grow(len(path))
	var prevSlash bool
	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
