// Package trace defines the debug mirror of bus traffic and the sinks it can be written to.
package trace

import "time"

// Kinds of mirrored bus traffic.
const (
	KindSend       = "send"
	KindPublish    = "publish"
	KindReply      = "reply"
	KindEvent      = "event"
	KindRegister   = "register"
	KindUnregister = "unregister"
)

// Entry is one mirrored bus operation.
type Entry struct {
	BusID     string    `json:"busId"`
	Kind      string    `json:"kind"`
	Address   string    `json:"address"`
	Action    string    `json:"action,omitempty"`
	Code      int       `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
