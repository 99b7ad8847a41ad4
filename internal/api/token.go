package api

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	capabilityClaim   = "x-ably-capability"
	controlPrefix     = "control_"
	occupancyPrefix   = "[?occupancy=metrics.publishers]"
	ControlPriChannel = "control_pri"
	ControlSecChannel = "control_sec"
)

// Token is a streaming access token and the channels it grants.
type Token struct {
	PushEnabled bool
	Raw         string
	Channels    []string
	IssuedAt    int64
	ExpiresAt   int64
}

type tokenClaims struct {
	Capability string `json:"x-ably-capability"`
	jwt.RegisteredClaims
}

// ParseToken reads the channel grants out of a JWT without verifying it.
// Control channels are subscribed with the occupancy metrics prefix.
func ParseToken(raw string) (*Token, error) {
	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var capability map[string][]string
	if err := json.Unmarshal([]byte(claims.Capability), &capability); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrMalformedPayload, capabilityClaim, err)
	}

	channels := make([]string, 0, len(capability))
	for name := range capability {
		if strings.HasPrefix(name, controlPrefix) {
			name = occupancyPrefix + name
		}
		channels = append(channels, name)
	}
	sort.Strings(channels)

	token := &Token{
		PushEnabled: true,
		Raw:         raw,
		Channels:    channels,
	}
	if claims.IssuedAt != nil {
		token.IssuedAt = claims.IssuedAt.Unix()
	}
	if claims.ExpiresAt != nil {
		token.ExpiresAt = claims.ExpiresAt.Unix()
	}
	return token, nil
}
