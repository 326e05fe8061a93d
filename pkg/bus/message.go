package bus

import (
	"encoding/json"
	"fmt"
)

// Reply codes. They follow HTTP semantics except 419, which the backend uses
// for an expired access token.
const (
	CodeOK                    = 200
	CodeBadRequest            = 400
	CodeUnauthorized          = 401
	CodeNotFound              = 404
	CodeRequestTimeout        = 408
	CodeAuthenticationTimeout = 419
	CodeInternalServerError   = 500
	CodeServiceUnavailable    = 503
)

// MessageRequestTimeout is the text of a locally synthesized 408 reply.
const MessageRequestTimeout = "Request Time-out"

// Message is the request envelope sent to a bus address. AccessToken is
// stamped by the dispatcher right before transmission; callers leave it empty.
type Message struct {
	Action      string                 `json:"action"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Body        interface{}            `json:"body,omitempty"`
	AccessToken string                 `json:"accessToken"`
}

// Reply is the response envelope. Result is only meaningful when Code is CodeOK.
type Reply struct {
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// OK reports whether the reply carries code 200.
func (r *Reply) OK() bool {
	return r != nil && r.Code == CodeOK
}

// Decode unmarshals Result into v.
func (r *Reply) Decode(v interface{}) error {
	if r == nil || len(r.Result) == 0 {
		return fmt.Errorf("bus:message - reply has no result")
	}
	return json.Unmarshal(r.Result, v)
}

// NewTimeoutReply returns the reply delivered when a request never reached an open bus.
func NewTimeoutReply() *Reply {
	return &Reply{Code: CodeRequestTimeout, Message: MessageRequestTimeout}
}

// NewErrorReply builds a reply with the given code from a local error.
func NewErrorReply(code int, err error) *Reply {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Reply{Code: code, Message: msg}
}
