package api

import "encoding/json"

const (
	SplitStatusActive   = "ACTIVE"
	SplitStatusArchived = "ARCHIVED"
)

// Split is one flag definition. Targeting rules travel opaque.
type Split struct {
	Name             string            `json:"name"`
	TrafficTypeName  string            `json:"trafficTypeName"`
	Status           string            `json:"status"`
	Killed           bool              `json:"killed"`
	DefaultTreatment string            `json:"defaultTreatment"`
	ChangeNumber     int64             `json:"changeNumber"`
	Configurations   map[string]string `json:"configurations,omitempty"`
	Conditions       json.RawMessage   `json:"conditions,omitempty"`
}

// ChangeSet is one page of flag changes between two cursors.
type ChangeSet struct {
	Since  int64   `json:"since"`
	Till   int64   `json:"till"`
	Splits []Split `json:"splits"`
}

// CaughtUp reports that no further pages exist after this one.
func (c *ChangeSet) CaughtUp() bool {
	return c.Since == c.Till
}

type mySegmentsResponse struct {
	MySegments []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"mySegments"`
}

type authResponse struct {
	PushEnabled bool   `json:"pushEnabled"`
	Token       string `json:"token"`
}
