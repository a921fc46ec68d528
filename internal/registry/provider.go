package registry

import (
	"errors"
	"net/url"
	"strings"
)

// Provider is the push transport family an endpoint belongs to.
type Provider string

const (
	ProviderWebPush Provider = "webpush"
	ProviderFCM     Provider = "fcm"
	ProviderAPNS    Provider = "apns"
	ProviderWNS     Provider = "wns"
)

// ErrUnsupportedEndpoint is returned for endpoints that match no known
// provider shape. Classification happens at registration time so a bad
// endpoint fails fast instead of at send time.
var ErrUnsupportedEndpoint = errors.New("unsupported push endpoint")

// Hosts operated by browser push services. Anything under these delivers
// via the Web Push protocol regardless of the vendor behind it.
var webPushHosts = []string{
	"fcm.googleapis.com",
	"updates.push.services.mozilla.com",
	"push.services.mozilla.com",
	"web.push.apple.com",
	"push.apple.com",
	"pushsvc.ucweb.com",
}

// ClassifyEndpoint maps an endpoint to its provider.
//
// Browser subscriptions arrive as https URLs pointing at a known push
// service. Installed-app tokens are opaque strings: FCM registration
// tokens carry an instance-id prefix separated by a colon, APNs device
// tokens are registered with an "apns:" prefix by the iOS client.
func ClassifyEndpoint(endpoint string) (Provider, error) {
	if endpoint == "" {
		return "", ErrUnsupportedEndpoint
	}

	if strings.HasPrefix(endpoint, "https://") {
		u, err := url.Parse(endpoint)
		if err != nil || u.Host == "" {
			return "", ErrUnsupportedEndpoint
		}
		host := strings.ToLower(u.Hostname())

		if strings.HasSuffix(host, ".notify.windows.net") {
			return ProviderWNS, nil
		}
		for _, known := range webPushHosts {
			if host == known || strings.HasSuffix(host, "."+known) {
				return ProviderWebPush, nil
			}
		}
		return "", ErrUnsupportedEndpoint
	}

	if token, ok := strings.CutPrefix(endpoint, "apns:"); ok {
		if isOpaqueToken(token, 32) {
			return ProviderAPNS, nil
		}
		return "", ErrUnsupportedEndpoint
	}

	// FCM registration tokens: long, URL-safe, one colon separator.
	if len(endpoint) >= 100 && strings.Count(endpoint, ":") == 1 && isOpaqueToken(endpoint, 100) {
		return ProviderFCM, nil
	}

	return "", ErrUnsupportedEndpoint
}

func isOpaqueToken(s string, minLen int) bool {
	if len(s) < minLen {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == ':':
		default:
			return false
		}
	}
	return true
}
