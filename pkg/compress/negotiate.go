package compress

import (
	"strconv"
	"strings"
)

// acceptance maps a content-coding to its q-value.
type acceptance map[string]float64

// parseAcceptEncoding reads an Accept-Encoding header. Malformed q-values are
// treated as 1, the way most servers do.
func parseAcceptEncoding(header string) acceptance {
	a := acceptance{}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		coding, params, _ := strings.Cut(part, ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		q := 1.0
		for _, p := range strings.Split(params, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
			if !ok || strings.ToLower(strings.TrimSpace(k)) != "q" {
				continue
			}
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f >= 0 && f <= 1 {
				q = f
			}
		}
		if coding == "x-gzip" {
			coding = Gzip
		}
		a[coding] = q
	}
	return a
}

func (a acceptance) accepts(coding string) bool {
	if q, ok := a[coding]; ok {
		return q > 0
	}
	if q, ok := a["*"]; ok {
		return q > 0
	}
	// identity stays acceptable unless excluded explicitly or through "*"
	return coding == Identity
}

// Negotiate picks the smallest representation the client accepts. identity
// is the uncompressed body; variants are the precomputed encodings. ok is
// false when the client accepts none of them.
func Negotiate(header string, identity []byte, variants []Encoded) (Encoded, bool) {
	best := Encoded{Name: Identity, Body: identity}
	if strings.TrimSpace(header) == "" {
		return best, true
	}

	a := parseAcceptEncoding(header)
	found := a.accepts(Identity)
	for _, v := range variants {
		if !a.accepts(v.Name) {
			continue
		}
		if !found || len(v.Body) < len(best.Body) {
			best = v
			found = true
		}
	}
	if !found {
		return Encoded{}, false
	}
	return best, true
}
