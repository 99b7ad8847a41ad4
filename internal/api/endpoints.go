package api

import (
	"net/url"
	"strings"
)

const (
	DefaultSDKURL       = "https://sdk.split.io/api"
	DefaultAuthURL      = "https://auth.split.io/api/v2"
	DefaultStreamingURL = "https://streaming.split.io/sse"

	SDKVersion = "go-flagsync-1.0.0"
)

// Endpoints resolves the remote URLs used by the sync engine.
type Endpoints struct {
	SDKURL       string
	AuthURL      string
	StreamingURL string
}

// DefaultEndpoints returns the production endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		SDKURL:       DefaultSDKURL,
		AuthURL:      DefaultAuthURL,
		StreamingURL: DefaultStreamingURL,
	}
}

func (e Endpoints) SplitChanges() string {
	return strings.TrimSuffix(e.SDKURL, "/") + "/splitChanges"
}

func (e Endpoints) MySegments(userKey string) string {
	return strings.TrimSuffix(e.SDKURL, "/") + "/mySegments/" + url.PathEscape(userKey)
}

func (e Endpoints) Auth() string {
	return strings.TrimSuffix(e.AuthURL, "/") + "/auth"
}

func (e Endpoints) Streaming() string {
	return e.StreamingURL
}

func authHeaders(sdkKey string) map[string]string {
	return map[string]string{
		"Authorization":   "Bearer " + sdkKey,
		"Accept":          "application/json",
		"SplitSDKVersion": SDKVersion,
	}
}
