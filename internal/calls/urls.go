package calls

import (
	"fmt"
	"net/url"
	"strings"
)

// SignatureParam is the query parameter carrying a URL signature.
const SignatureParam = "sig"

// Signer produces a signature binding a URL to a callback token.
type Signer interface {
	Sign(token string) (string, error)
}

// CallbackURL builds the address the provider posts call events to.
func CallbackURL(base, token, callerID string, signer Signer) (string, error) {
	u, err := parseBase(base)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/callbacks/" + url.PathEscape(token)

	q := url.Values{}
	q.Set("callerId", callerID)
	if err := addSignature(q, token, signer); err != nil {
		return "", err
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// MediaURL builds the websocket address the provider streams call audio to.
// The base scheme is swapped for its websocket counterpart.
func MediaURL(base, token string, signer Signer) (string, error) {
	u, err := parseBase(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/media/" + url.PathEscape(token)

	q := url.Values{}
	if err := addSignature(q, token, signer); err != nil {
		return "", err
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func parseBase(base string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("calls: parsing public base url: %w", err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("calls: public base url %q must be an absolute http(s) url", base)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func addSignature(q url.Values, token string, signer Signer) error {
	if signer == nil {
		return nil
	}
	sig, err := signer.Sign(token)
	if err != nil {
		return fmt.Errorf("calls: signing url: %w", err)
	}
	q.Set(SignatureParam, sig)
	return nil
}
