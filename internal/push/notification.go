package push

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NotificationType is the kind of an incoming streaming message.
type NotificationType string

const (
	SplitUpdate      NotificationType = "SPLIT_UPDATE"
	SplitKill        NotificationType = "SPLIT_KILL"
	MySegmentsUpdate NotificationType = "MY_SEGMENTS_UPDATE"
	Control          NotificationType = "CONTROL"
	Occupancy        NotificationType = "OCCUPANCY"
)

// ControlType is carried by CONTROL notifications.
type ControlType string

const (
	StreamingPaused   ControlType = "STREAMING_PAUSED"
	StreamingResumed  ControlType = "STREAMING_RESUMED"
	StreamingDisabled ControlType = "STREAMING_DISABLED"
)

const occupancyName = "[meta]occupancy"

// Notification is a decoded streaming message. Only the fields of its Type
// are set.
type Notification struct {
	Type      NotificationType
	Channel   string
	Timestamp int64

	ChangeNumber     int64
	SplitName        string
	DefaultTreatment string
	IncludesPayload  bool
	SegmentList      []string
	ControlType      ControlType
	Publishers       int
}

type rawMessage struct {
	ID        string `json:"id"`
	ClientID  string `json:"clientId"`
	Timestamp int64  `json:"timestamp"`
	Encoding  string `json:"encoding"`
	Channel   string `json:"channel"`
	Data      string `json:"data"`
	Name      string `json:"name"`
}

type rawPayload struct {
	Type             NotificationType `json:"type"`
	ChangeNumber     int64            `json:"changeNumber"`
	SplitName        string           `json:"splitName"`
	DefaultTreatment string           `json:"defaultTreatment"`
	IncludesPayload  bool             `json:"includesPayload"`
	SegmentList      []string         `json:"segmentList"`
	ControlType      ControlType      `json:"controlType"`
	Metrics          *struct {
		Publishers int `json:"publishers"`
	} `json:"metrics"`
}

// ParseNotification decodes the data of a message frame. The payload is a
// JSON document embedded as a string.
func ParseNotification(data []byte) (*Notification, error) {
	var msg rawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}

	var payload rawPayload
	if err := json.Unmarshal([]byte(msg.Data), &payload); err != nil {
		return nil, fmt.Errorf("decoding message data: %w", err)
	}

	n := &Notification{
		Type:      payload.Type,
		Channel:   msg.Channel,
		Timestamp: msg.Timestamp,
	}
	if msg.Name == occupancyName {
		if payload.Metrics == nil {
			return nil, fmt.Errorf("occupancy message on %s without metrics", msg.Channel)
		}
		n.Type = Occupancy
		n.Publishers = payload.Metrics.Publishers
		return n, nil
	}

	switch payload.Type {
	case SplitUpdate:
		n.ChangeNumber = payload.ChangeNumber
	case SplitKill:
		n.ChangeNumber = payload.ChangeNumber
		n.SplitName = payload.SplitName
		n.DefaultTreatment = payload.DefaultTreatment
	case MySegmentsUpdate:
		n.ChangeNumber = payload.ChangeNumber
		n.IncludesPayload = payload.IncludesPayload
		n.SegmentList = payload.SegmentList
	case Control:
		n.ControlType = payload.ControlType
	default:
		return nil, fmt.Errorf("unknown notification type %q", payload.Type)
	}
	return n, nil
}

// StreamingError is the data of an error frame.
type StreamingError struct {
	Message    string `json:"message"`
	Code       int    `json:"code"`
	StatusCode int    `json:"statusCode"`
	Href       string `json:"href"`
}

func (e *StreamingError) Error() string {
	return fmt.Sprintf("streaming error %d (status %d): %s", e.Code, e.StatusCode, e.Message)
}

// IsTokenExpired reports the 4014x family of errors, fixed by a new token.
func (e *StreamingError) IsTokenExpired() bool {
	return e.Code >= 40140 && e.Code <= 40149
}

// IsRecoverable reports whether reconnecting may succeed. Client errors
// other than an expired token are permanent.
func (e *StreamingError) IsRecoverable() bool {
	if e.IsTokenExpired() {
		return true
	}
	return e.StatusCode < 400 || e.StatusCode >= 500
}

func ParseStreamingError(data []byte) (*StreamingError, error) {
	var e StreamingError
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding error frame: %w", err)
	}
	return &e, nil
}

// channelSuffix strips the occupancy prefix from a channel name.
func channelSuffix(channel string) string {
	if i := strings.LastIndex(channel, "]"); i >= 0 {
		return channel[i+1:]
	}
	return channel
}
