// Package origin validates browser Origin headers against an allow list.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Origin is a normalized browser origin.
type Origin struct {
	// Value is scheme://host[:port] with default ports removed.
	Value string
	// Host is the host[:port] part of Value, used for same-host checks.
	Host string
}

// Parse normalizes raw as sent in an Origin header. The opaque origin
// "null" parses with an empty Host.
func Parse(raw string) (Origin, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Origin{}, false
	}
	if raw == "null" {
		return Origin{Value: "null"}, true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.Opaque != "" {
		return Origin{}, false
	}
	if u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return Origin{}, false
	}
	if u.Path != "" && u.Path != "/" {
		return Origin{}, false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Origin{}, false
	}
	host, ok := normalizeHost(scheme, u.Host)
	if !ok {
		return Origin{}, false
	}
	return Origin{Value: scheme + "://" + host, Host: host}, true
}

func normalizeHost(scheme, authority string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	bracketed := strings.HasPrefix(authority, "[")
	if !bracketed && strings.Count(authority, ":") > 1 {
		// Unbracketed IPv6 literal.
		return "", false
	}

	u := url.URL{Host: authority}
	hostname, port := u.Hostname(), u.Port()
	if hostname == "" {
		return "", false
	}
	if bracketed != strings.Contains(hostname, ":") {
		return "", false
	}
	if strings.HasSuffix(authority, ":") {
		return "", false
	}
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	host := hostname
	if bracketed {
		host = "[" + hostname + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return host, true
}

// Policy decides which origins may reach browser-facing endpoints.
//
// With an empty allow list only same-host origins pass. The scheme is not
// compared so TLS-terminating proxies in front of the server still match.
type Policy struct {
	allowAny bool
	allowed  map[string]struct{}
}

// NewPolicy builds a policy from normalized origins; "*" allows every origin.
func NewPolicy(allowed []string) Policy {
	p := Policy{allowed: make(map[string]struct{}, len(allowed))}
	for _, a := range allowed {
		if a == "*" {
			p.allowAny = true
			continue
		}
		p.allowed[a] = struct{}{}
	}
	return p
}

func (p Policy) Allows(o Origin, requestHost string) bool {
	if p.allowAny {
		return true
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[o.Value]
		return ok
	}
	if o.Host == "" {
		return false
	}
	scheme, _, _ := strings.Cut(o.Value, "://")
	host, ok := normalizeHost(scheme, requestHost)
	return ok && host == o.Host
}

// Check reports whether r may proceed. Requests without an Origin header
// come from non-browser clients and are allowed.
func (p Policy) Check(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if strings.TrimSpace(raw) == "" {
		return true
	}
	o, ok := Parse(raw)
	return ok && p.Allows(o, r.Host)
}
