// Package probe implements the in-page interception layer and the
// page-to-Go message channel.
package probe

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/Rorqualx/copyguard/internal/types"
)

// MaxPayloadBytes bounds a single binding payload.
const MaxPayloadBytes = 16 * 1024

// Kind tags a page message.
type Kind string

// Page message kinds.
const (
	KindListenerDetected Kind = "listener_detected"
	KindPreventDefault   Kind = "prevent_default"
	KindStopPropagation  Kind = "stop_propagation"
	KindClipboard        Kind = "clipboard"
	KindListenersRemoved Kind = "listeners_removed"
	KindMutation         Kind = "mutation"
)

// Message is a decoded page message.
type Message interface {
	Kind() Kind
}

// ListenerDetected reports a page listener registration on a tracked event.
type ListenerDetected struct {
	EventType string
	TargetTag string
}

// PreventDefaultObserved reports preventDefault on a suppressed event.
type PreventDefaultObserved struct {
	EventType string
}

// StopPropagationObserved reports stopPropagation on a suppressed event.
type StopPropagationObserved struct {
	EventType string
}

// ClipboardHijackObserved reports a clipboard API or execCommand call.
type ClipboardHijackObserved struct {
	Action string
}

// ListenersRemoved reports the result of removeAllTrackedListeners.
type ListenersRemoved struct {
	Count int
}

// MutationObserved reports a relevant DOM mutation batch.
// Attribute is set for attribute mutations, Tag for inserted nodes.
type MutationObserved struct {
	Attribute string
	Tag       string
	Count     int
}

func (ListenerDetected) Kind() Kind        { return KindListenerDetected }
func (PreventDefaultObserved) Kind() Kind  { return KindPreventDefault }
func (StopPropagationObserved) Kind() Kind { return KindStopPropagation }
func (ClipboardHijackObserved) Kind() Kind { return KindClipboard }
func (ListenersRemoved) Kind() Kind        { return KindListenersRemoved }
func (MutationObserved) Kind() Kind        { return KindMutation }

// Decode validates a binding payload and returns the typed message.
// Payloads that are not namespaced JSON objects return types.ErrForeignMessage;
// unknown kinds or missing fields return types.ErrUnknownMessage.
func Decode(payload string) (Message, error) {
	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds limit", types.ErrForeignMessage, len(payload))
	}
	if !gjson.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", types.ErrForeignMessage)
	}
	root := gjson.Parse(payload)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: payload is not an object", types.ErrForeignMessage)
	}
	if ns := root.Get("ns"); ns.Type != gjson.String || ns.Str != Namespace {
		return nil, types.ErrForeignMessage
	}

	kind := root.Get("kind").String()
	switch Kind(kind) {
	case KindListenerDetected:
		ev, err := requireString(root, "eventType")
		if err != nil {
			return nil, err
		}
		return ListenerDetected{EventType: ev, TargetTag: root.Get("targetTag").String()}, nil
	case KindPreventDefault:
		ev, err := requireString(root, "eventType")
		if err != nil {
			return nil, err
		}
		return PreventDefaultObserved{EventType: ev}, nil
	case KindStopPropagation:
		ev, err := requireString(root, "eventType")
		if err != nil {
			return nil, err
		}
		return StopPropagationObserved{EventType: ev}, nil
	case KindClipboard:
		action, err := requireString(root, "action")
		if err != nil {
			return nil, err
		}
		return ClipboardHijackObserved{Action: action}, nil
	case KindListenersRemoved:
		return ListenersRemoved{Count: int(root.Get("count").Int())}, nil
	case KindMutation:
		m := MutationObserved{
			Attribute: root.Get("attribute").String(),
			Tag:       root.Get("tag").String(),
			Count:     int(root.Get("count").Int()),
		}
		if m.Attribute == "" && m.Tag == "" {
			return nil, fmt.Errorf("%w: mutation without attribute or tag", types.ErrUnknownMessage)
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: %q", types.ErrUnknownMessage, kind)
}

func requireString(root gjson.Result, field string) (string, error) {
	v := root.Get(field)
	if v.Type != gjson.String || v.Str == "" {
		return "", fmt.Errorf("%w: missing %s", types.ErrUnknownMessage, field)
	}
	return v.Str, nil
}
