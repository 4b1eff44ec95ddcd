package connection

import (
	"net/url"
)

// redact strips query credentials before a URL reaches logs or error details.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	q := u.Query()
	for _, k := range []string{"key", "access_token"} {
		if q.Has(k) {
			q.Set(k, "redacted")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
