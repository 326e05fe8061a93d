package commsutil

import (
	"encoding/json"
	"errors"
)

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// RawPayload returns body as raw JSON. Byte slices and json.RawMessage are
// passed through untouched when they hold valid JSON; anything else is encoded.
func RawPayload(body interface{}) (json.RawMessage, error) {
	switch b := body.(type) {
	case json.RawMessage:
		if !json.Valid(b) {
			return nil, errors.New("commsutil:codec - invalid raw JSON payload")
		}
		return b, nil
	case []byte:
		if json.Valid(b) {
			return json.RawMessage(b), nil
		}
	}
	data, err := EncodePayload(body)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
