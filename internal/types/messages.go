package types

// MessageKind tags a message delivered to the coordinator.
type MessageKind string

// Message kinds from tabs to the coordinator.
const (
	KindDetectionComplete     MessageKind = "DETECTION_COMPLETE"
	KindDetectionUpdate       MessageKind = "DETECTION_UPDATE"
	KindCopyEnabled           MessageKind = "COPY_ENABLED"
	KindEventTrackingDetected MessageKind = "EVENT_TRACKING_DETECTED"
)

// Message is implemented by every tab-to-coordinator payload.
type Message interface {
	Kind() MessageKind
}

// DetectionComplete is the full report sent once per page-context.
type DetectionComplete struct {
	URL     string          `json:"url"`
	Title   string          `json:"title"`
	Results DetectionResult `json:"results"`
}

// DetectionUpdate carries a changed result for an existing page-context.
type DetectionUpdate struct {
	URL     string          `json:"url,omitempty"`
	Results DetectionResult `json:"results"`
}

// CopyEnabled reports a completed enable-copy run.
type CopyEnabled struct {
	Message string       `json:"message"`
	Result  BypassResult `json:"result"`
}

// EventTrackingDetected reports a page listener on a tracked clipboard event.
type EventTrackingDetected struct {
	EventType string `json:"eventType"`
	Target    string `json:"target"`
}

func (DetectionComplete) Kind() MessageKind     { return KindDetectionComplete }
func (DetectionUpdate) Kind() MessageKind       { return KindDetectionUpdate }
func (CopyEnabled) Kind() MessageKind           { return KindCopyEnabled }
func (EventTrackingDetected) Kind() MessageKind { return KindEventTrackingDetected }
