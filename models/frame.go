package models

import "encoding/json"

// Frame type discriminators exchanged over the transport.
const (
	FrameTypePing         = "ping"
	FrameTypePong         = "pong"
	FrameTypeMessage      = "message"
	FrameTypeTyping       = "typing"
	FrameTypeEditMessage  = "edit_message"
	FrameTypeDelete       = "delete_message"
	FrameTypeReact        = "react_to_message"
	FrameTypeTogglePin    = "toggle_pin_message"
	FrameTypeConnection   = "connection"
	FrameTypeNotification = "notification"
)

// Frame is one structured message unit exchanged over the transport.
// Every frame carries a "type" field; unrecognized types are forwarded
// to listeners unchanged.
type Frame map[string]any

// ParseFrame decodes a single JSON frame.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// Type returns the frame's type discriminator, or "" if absent.
func (f Frame) Type() string {
	return f.Str("type")
}

// Str returns the string value for key, or "" if missing or not a string.
func (f Frame) Str(key string) string {
	if v, ok := f[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the boolean value for key, or false if missing.
func (f Frame) Bool(key string) bool {
	if v, ok := f[key].(bool); ok {
		return v
	}
	return false
}

// Int64 returns the numeric value for key. JSON numbers decode as
// float64, so both representations are accepted.
func (f Frame) Int64(key string) int64 {
	switch v := f[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
