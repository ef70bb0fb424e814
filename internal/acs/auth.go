package acs

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrInvalidConnectionString is returned for a connection string without a
// usable endpoint and access key.
var ErrInvalidConnectionString = errors.New("acs: invalid connection string")

// Credentials identify a Communication Services resource.
type Credentials struct {
	Endpoint  string // https://<resource>.communication.azure.com
	AccessKey []byte
}

// ParseConnectionString parses "endpoint=https://...;accesskey=<base64>".
// Keys are case-insensitive.
func ParseConnectionString(s string) (Credentials, error) {
	var endpoint, key string
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return Credentials{}, fmt.Errorf("%w: segment %q", ErrInvalidConnectionString, k)
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "endpoint":
			endpoint = strings.TrimSpace(v)
		case "accesskey":
			key = strings.TrimSpace(v)
		}
	}

	if endpoint == "" || key == "" {
		return Credentials{}, fmt.Errorf("%w: endpoint and accesskey are required", ErrInvalidConnectionString)
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return Credentials{}, fmt.Errorf("%w: bad endpoint %q", ErrInvalidConnectionString, endpoint)
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: access key is not base64", ErrInvalidConnectionString)
	}

	return Credentials{
		Endpoint:  strings.TrimRight(endpoint, "/"),
		AccessKey: decoded,
	}, nil
}

// signRequest adds the HMAC-SHA256 authorization headers to req. The body is
// read and restored.
func signRequest(req *http.Request, key []byte, now time.Time) error {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("acs: reading request body: %w", err)
		}
		req.Body.Close()
		body = b
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	sum := sha256.Sum256(body)
	contentHash := base64.StdEncoding.EncodeToString(sum[:])
	date := now.UTC().Format(http.TimeFormat)

	host := req.URL.Host
	pathAndQuery := req.URL.EscapedPath()
	if req.URL.RawQuery != "" {
		pathAndQuery += "?" + req.URL.RawQuery
	}

	stringToSign := req.Method + "\n" + pathAndQuery + "\n" + date + ";" + host + ";" + contentHash

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("x-ms-date", date)
	req.Header.Set("x-ms-content-sha256", contentHash)
	req.Header.Set("Authorization", "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature="+signature)
	return nil
}
