package fetcher

import (
	"net/url"
	"strings"

	"filing-analyzer/internal/apperr"
)

// CanonicalURL validates a filing URL and reduces it to the form used for
// document identity. Inline XBRL viewer links (/ix?doc=...) are rewritten to
// the underlying EDGAR document, since the viewer page itself is a script
// shell with no filing text.
func CanonicalURL(raw string, allowedHosts []string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", apperr.Validation("filing_url is required")
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "", apperr.Validation("filing_url is not a valid URL")
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", apperr.Validation("filing_url must use http or https")
	}

	host := strings.ToLower(parsed.Hostname())
	if !hostAllowed(host, allowedHosts) {
		return "", apperr.Validation("filing_url must point to an allowed filing host (" + strings.Join(allowedHosts, ", ") + ")")
	}

	if parsed.Path == "/ix" || parsed.Path == "/ix/" {
		doc := parsed.Query().Get("doc")
		if !strings.HasPrefix(doc, "/Archives/edgar/") {
			return "", apperr.Validation("inline viewer link does not reference an EDGAR document")
		}
		parsed.Path = doc
		parsed.RawQuery = ""
	}

	if !strings.Contains(parsed.Path, "/Archives/edgar/") {
		return "", apperr.Validation("filing_url does not appear to be an EDGAR filing")
	}

	// Remove default ports
	port := parsed.Port()
	if (port == "80" && parsed.Scheme == "http") || (port == "443" && parsed.Scheme == "https") {
		port = ""
	}
	parsed.Host = host
	if port != "" {
		parsed.Host = host + ":" + port
	}
	parsed.Fragment = ""
	parsed.User = nil

	return parsed.String(), nil
}

func hostAllowed(host string, allowed []string) bool {
	for _, h := range allowed {
		if strings.EqualFold(strings.TrimSpace(h), host) {
			return true
		}
	}
	return false
}

// cikFromPath pulls the Central Index Key out of /Archives/edgar/data/{cik}/...
func cikFromPath(path string) string {
	const marker = "/Archives/edgar/data/"
	i := strings.Index(path, marker)
	if i < 0 {
		return ""
	}
	rest := path[i+len(marker):]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return rest
}
