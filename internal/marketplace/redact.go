package marketplace

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
)

// RedactAuthorization keeps the auth scheme and replaces the credential with
// a short sha256 fingerprint so log lines can still be correlated.
func RedactAuthorization(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	scheme, credential, found := strings.Cut(value, " ")
	if !found {
		credential = scheme
		scheme = ""
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(credential)))
	fingerprint := "sha256:" + hex.EncodeToString(sum[:])[:12]
	if scheme == "" {
		return fingerprint
	}
	return scheme + " " + fingerprint
}

// RedactHeaders returns a flat copy of headers safe for logging.
func RedactHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for key, values := range headers {
		value := strings.Join(values, ", ")
		switch http.CanonicalHeaderKey(key) {
		case "Authorization", "Proxy-Authorization":
			value = RedactAuthorization(value)
		case "Cookie", "Set-Cookie":
			value = "<redacted>"
		}
		out[key] = value
	}
	return out
}

// ProxyInfo describes a proxy URL without leaking its credentials.
type ProxyInfo struct {
	Host        string `json:"host"`
	User        string `json:"user,omitempty"`
	HasPassword bool   `json:"has_password"`
}

// RedactProxy masks the proxy user to its first three characters.
func RedactProxy(raw string) ProxyInfo {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ProxyInfo{}
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ProxyInfo{Host: "<invalid>"}
	}
	info := ProxyInfo{Host: parsed.Host}
	if parsed.User != nil {
		user := parsed.User.Username()
		if len(user) > 3 {
			user = user[:3]
		}
		info.User = user + "***"
		_, info.HasPassword = parsed.User.Password()
	}
	return info
}
