package extract

import (
	"net/http"
	"strings"
)

// cdnHeaders maps signature response headers to the vendor they imply.
// Presence alone is enough; values are not inspected.
var cdnHeaders = map[string]string{
	"CF-RAY":      "cloudflare",
	"X-Served-By": "fastly",
	"X-Cache":     "cdn",
}

// cdnServerValues is a list of substrings in the Server: header that
// identify a CDN edge.
var cdnServerValues = []string{
	"cloudflare",
	"akamai",
	"fastly",
}

// DetectCDN returns the vendor name when the response headers carry a
// known CDN signature, or "". The engine surfaces this as an advisory
// and continues unchanged: the edge's Date is still a clock, just maybe
// not the origin's.
func DetectCDN(h http.Header) string {
	server := strings.ToLower(h.Get("Server"))
	for _, sub := range cdnServerValues {
		if strings.Contains(server, sub) {
			return sub
		}
	}
	for header, vendor := range cdnHeaders {
		if h.Get(header) != "" {
			return vendor
		}
	}
	return ""
}
