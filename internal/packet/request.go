// Package packet builds and parses the payloads carried inside protocol frames.
package packet

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

var ErrEmptySubtype = errors.New("request subtype is empty")

// Request is the JSON body of Request, Response and Notification frames.
type Request struct {
	Subtype string         `json:"subtype"`
	Data    map[string]any `json:"data"`
}

// NewRequest creates a request with an empty data map.
func NewRequest(subtype string) *Request {
	return &Request{Subtype: subtype, Data: map[string]any{}}
}

// Put sets a data field and returns the request for chaining.
func (r *Request) Put(key string, value any) *Request {
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	r.Data[key] = value
	return r
}

// Encode marshals the request to JSON.
func (r *Request) Encode() ([]byte, error) {
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	return json.Marshal(r)
}

func (r *Request) String() string {
	data, err := r.Encode()
	if err != nil {
		return fmt.Sprintf("Request{subtype=%s, <unencodable>}", r.Subtype)
	}
	return string(data)
}

// DecodeRequest parses a JSON request body. The subtype is mandatory.
func DecodeRequest(payload []byte) (*Request, error) {
	var request Request
	if err := json.Unmarshal(payload, &request); err != nil {
		return nil, fmt.Errorf("invalid request payload: %w", err)
	}
	if request.Subtype == "" {
		return nil, ErrEmptySubtype
	}
	if request.Data == nil {
		request.Data = map[string]any{}
	}
	return &request, nil
}

// DecodeResponse parses a Response body. Devices may answer with plain text,
// which is wrapped as {"subtype":"text","data":{"text":...}}.
func DecodeResponse(payload []byte) *Request {
	if request, err := DecodeRequest(payload); err == nil {
		return request
	}
	text := string(payload)
	if !utf8.ValidString(text) {
		text = fmt.Sprintf("<%d bytes>", len(payload))
	}
	return NewRequest("text").Put("text", text)
}
