package ws

import (
	"encoding/json"
	"time"

	"crowdwatch/internal/pipeline"
)

// Client actions
const (
	ActionProcessFrame  = "process_frame"
	ActionToggleFeature = "toggle_feature"
)

// Server message types
const (
	TypeResult   = "result"
	TypeFeatures = "features"
	TypeAlert    = "alert"
	TypeError    = "error"
)

// ClientMessage is any message a viewer sends
type ClientMessage struct {
	Action  string          `json:"action"`
	Image   string          `json:"image,omitempty"`   // process_frame: data URL or bare base64
	Feature string          `json:"feature,omitempty"` // toggle_feature
	Value   json.RawMessage `json:"value,omitempty"`   // toggle_feature: bool or number
}

// ResultMessage answers process_frame
type ResultMessage struct {
	Type string `json:"type"` // "result"
	pipeline.Response
}

// NewResultMessage wraps a pipeline response
func NewResultMessage(resp pipeline.Response) *ResultMessage {
	if resp.Detections == nil {
		resp.Detections = [][4]int{}
	}
	return &ResultMessage{Type: TypeResult, Response: resp}
}

// FeaturesMessage carries the full flag set after a toggle
type FeaturesMessage struct {
	Type      string            `json:"type"` // "features"
	Features  pipeline.Features `json:"features"`
	Changed   string            `json:"changed,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewFeaturesMessage creates a features broadcast
func NewFeaturesMessage(features pipeline.Features, changed string) *FeaturesMessage {
	return &FeaturesMessage{
		Type:      TypeFeatures,
		Features:  features,
		Changed:   changed,
		Timestamp: time.Now(),
	}
}

// AlertMessage is broadcast when the alert level changes
type AlertMessage struct {
	Type      string              `json:"type"` // "alert"
	Level     pipeline.AlertLevel `json:"level"`
	Previous  pipeline.AlertLevel `json:"previous"`
	Count     int                 `json:"count"`
	Status    string              `json:"status"`
	Timestamp time.Time           `json:"timestamp"`
}

// NewAlertMessage describes a transition from previous to snap.Alert
func NewAlertMessage(snap pipeline.Snapshot, previous pipeline.AlertLevel) *AlertMessage {
	return &AlertMessage{
		Type:      TypeAlert,
		Level:     snap.Alert,
		Previous:  previous,
		Count:     snap.Count,
		Status:    snap.Alert.Status(),
		Timestamp: snap.UpdatedAt,
	}
}

// ErrorMessage reports a rejected client message
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// NewErrorMessage creates an error reply
func NewErrorMessage(msg string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Message: msg}
}
