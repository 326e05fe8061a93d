package wsbus

import (
	"encoding/json"
	"fmt"
)

// Frame types of the event-bus bridge protocol.
const (
	FrameSend       = "send"
	FramePublish    = "publish"
	FrameRegister   = "register"
	FrameUnregister = "unregister"
	FramePing       = "ping"
	FrameMessage    = "message"
	FrameErr        = "err"
)

// Frame is one JSON text message on the bridge socket.
type Frame struct {
	Type         string            `json:"type"`
	Address      string            `json:"address,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	ReplyAddress string            `json:"replyAddress,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`

	// Set on err frames.
	FailureCode int    `json:"failureCode,omitempty"`
	FailureType string `json:"failureType,omitempty"`
	Message     string `json:"message,omitempty"`
}

// FrameError is the failure carried by an err frame.
type FrameError struct {
	Code    int
	Type    string
	Message string
}

func (e *FrameError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("wsbus: bridge error %d (%s): %s", e.Code, e.Type, e.Message)
	}
	return fmt.Sprintf("wsbus: bridge error %d: %s", e.Code, e.Message)
}

func (f *Frame) err() *FrameError {
	return &FrameError{Code: f.FailureCode, Type: f.FailureType, Message: f.Message}
}
