package extractor

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// NormalizeText collapses runs of whitespace to single spaces and trims
// the result, so formatting differences between mirrors of the same
// article do not change its fingerprint.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Fingerprint hashes the normalized title and body. Two items with the
// same fingerprint are the same content, whatever URL they came from.
func Fingerprint(title, body string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeText(strings.ToLower(title))))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeText(strings.ToLower(body))))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeURL resolves an href found on a listing page against the
// page's own URL. Script and anchor pseudo-links yield "".
func NormalizeURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "#") {
		return ""
	}

	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}

	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}
