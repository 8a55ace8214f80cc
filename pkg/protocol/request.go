// Package protocol implements the Quill wire codec: a compact JSON
// request/response grammar carried over a TLS socket. Each request is a
// single JSON object whose "function" field names an operation and a
// target ("CREATE USERS", "READ MESSAGES", ...), plus optional record
// lists. Binary fields ride as base64 strings.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrMalformedInput indicates the raw bytes were not valid UTF-8 JSON.
	ErrMalformedInput = errors.New("malformed input")
	// ErrUnknownOperation indicates the function verb did not match any known operation.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrUnknownTarget indicates the function noun did not match any known target.
	ErrUnknownTarget = errors.New("unknown target")
)

// Operation is the verb half of a request's function.
type Operation uint8

const (
	OpCreate Operation = iota
	OpRead
	OpUpdate
	OpDelete
	OpVerify
)

// String returns the wire spelling of the operation.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpRead:
		return "READ"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpVerify:
		return "VERIFY"
	}
	return fmt.Sprintf("Operation(%d)", op)
}

// Target is the noun half of a request's function.
type Target uint8

const (
	TargetUsers Target = iota
	TargetMessages
	TargetConversations
)

// String returns the wire spelling of the target.
func (t Target) String() string {
	switch t {
	case TargetUsers:
		return "USERS"
	case TargetMessages:
		return "MESSAGES"
	case TargetConversations:
		return "CONVERSATIONS"
	}
	return fmt.Sprintf("Target(%d)", t)
}

// ParseOperation matches a single token against the known operations,
// case-insensitively.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToUpper(s) {
	case "CREATE":
		return OpCreate, nil
	case "READ":
		return OpRead, nil
	case "UPDATE":
		return OpUpdate, nil
	case "DELETE":
		return OpDelete, nil
	case "VERIFY":
		return OpVerify, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, s)
}

// ParseTarget matches a single token against the known targets,
// case-insensitively.
func ParseTarget(s string) (Target, error) {
	switch strings.ToUpper(s) {
	case "USERS":
		return TargetUsers, nil
	case "MESSAGES":
		return TargetMessages, nil
	case "CONVERSATIONS":
		return TargetConversations, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTarget, s)
}

// ParseFunction splits a space-delimited "<OPERATION> <TARGET>" string into
// its canonical pair. Tokens beyond the first two are ignored.
func ParseFunction(function string) (Operation, Target, error) {
	fields := strings.Fields(function)
	if len(fields) == 0 {
		return 0, 0, fmt.Errorf("%w: empty function", ErrUnknownOperation)
	}

	op, err := ParseOperation(fields[0])
	if err != nil {
		return 0, 0, err
	}

	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("%w: missing target token", ErrUnknownTarget)
	}

	target, err := ParseTarget(fields[1])
	if err != nil {
		return 0, 0, err
	}

	return op, target, nil
}

// User is a user payload record. Every field is independently optional;
// nil means "not supplied". Password is plaintext and only ever present on
// CREATE USERS and VERIFY USERS requests.
type User struct {
	ID        *int32  `json:"id"`
	Email     *string `json:"email"`
	Name      *string `json:"name"`
	Password  *string `json:"password"`
	PublicKey []byte  `json:"publicKey"`
}

// Message is a message payload record. The blob fields (Data, MediaType,
// Timestamp, Signature) are opaque to the server and base64-encoded on the
// wire.
type Message struct {
	ID        *int32  `json:"id"`
	Data      []byte  `json:"data"`
	MediaType []byte  `json:"mediaType"`
	Timestamp []byte  `json:"timestamp"`
	Signature []byte  `json:"signature"`
	Sender    *string `json:"sender"`
}

// Conversation is a conversation payload record.
type Conversation struct {
	ID   *int32  `json:"id"`
	Name *string `json:"name"`
}

// Request is the canonical, post-decode form of a client request. A nil
// record list means the list was not supplied, which is distinct from an
// empty list. Requests are never mutated after decoding.
type Request struct {
	Operation     Operation
	Target        Target
	Users         []User
	Messages      []Message
	Conversations []Conversation
}

// Function returns the wire spelling of the request's function field.
func (r *Request) Function() string {
	return r.Operation.String() + " " + r.Target.String()
}

// wireRequest is the intermediate form between raw JSON and a Request.
// Record lists stay raw so each element can be decoded independently.
type wireRequest struct {
	Function      string            `json:"function"`
	Users         []json.RawMessage `json:"users"`
	Messages      []json.RawMessage `json:"messages"`
	Conversations []json.RawMessage `json:"conversations"`
}

// decodeElements decodes a record list element-wise. An element that fails
// to decode (bad base64, id outside int32, wrong JSON type) is silently
// dropped rather than failing the whole request. Lenient on purpose; the
// tradeoff is documented in DESIGN.md.
func decodeElements[T any](items []json.RawMessage) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// DecodeRequest converts raw bytes into a canonical Request. The input must
// be valid UTF-8 and a single JSON object with a "function" string field of
// the form "<OPERATION> <TARGET>".
func DecodeRequest(raw []byte) (*Request, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrMalformedInput)
	}

	var wire wireRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	op, target, err := ParseFunction(wire.Function)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Operation: op,
		Target:    target,
	}
	if wire.Users != nil {
		req.Users = decodeElements[User](wire.Users)
	}
	if wire.Messages != nil {
		req.Messages = decodeElements[Message](wire.Messages)
	}
	if wire.Conversations != nil {
		req.Conversations = decodeElements[Conversation](wire.Conversations)
	}

	return req, nil
}
