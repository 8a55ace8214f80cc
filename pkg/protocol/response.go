package protocol

import (
	"encoding/json"
	"fmt"
)

// Response status values. Anything that fails, at any layer, is reported to
// the client as StatusFailure with no further detail.
const (
	StatusFailure uint8 = 0
	StatusSuccess uint8 = 1
)

// Response is the canonical form of a server reply. The three record lists
// mirror the request shape and carry query results; a nil list serializes
// as JSON null.
type Response struct {
	Status        uint8
	Users         []User
	Messages      []Message
	Conversations []Conversation
}

// wireResponse fixes the response envelope: all three result slots are
// always present, null when unused.
type wireResponse struct {
	Status        uint8          `json:"status"`
	Users         []User         `json:"users"`
	Messages      []Message      `json:"messages"`
	Conversations []Conversation `json:"conversations"`
}

// FailureResponse returns the default status-0 response sent whenever a
// request fails for any reason.
func FailureResponse() *Response {
	return &Response{Status: StatusFailure}
}

// Encode converts a Response to its wire bytes. Binary fields become base64
// strings, absent optional fields become null.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(wireResponse{
		Status:        r.Status,
		Users:         r.Users,
		Messages:      r.Messages,
		Conversations: r.Conversations,
	})
}

// DecodeResponse is the client-side inverse of Encode. Unlike request
// decoding it is strict: a response the server produced must decode
// exactly.
func DecodeResponse(raw []byte) (*Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	return &Response{
		Status:        wire.Status,
		Users:         wire.Users,
		Messages:      wire.Messages,
		Conversations: wire.Conversations,
	}, nil
}
