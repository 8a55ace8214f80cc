package server

import (
	"github.com/aeolun/quill/pkg/protocol"
)

// Store is the data-access collaborator consumed by the request handlers.
// *database.DB is the production implementation; tests substitute fakes.
// Implementations must be safe for concurrent use across connection
// goroutines. Storage errors (connectivity, constraint violations)
// propagate unchanged to the handler that made the call.
type Store interface {
	// VerifyCredentials returns the stored password hash and salt for an email.
	VerifyCredentials(email string) (hash, salt []byte, err error)
	// InsertUser stores a new user with a salted password digest.
	InsertUser(email string, publicKey, hash, salt []byte) error
	// InsertConversation creates a conversation and returns its id.
	InsertConversation(name string) (int32, error)
	// InsertParticipant adds the user with the given email to a conversation.
	InsertParticipant(email string, conversationID int32) error
	// InsertMessage stores one message in a conversation on behalf of sender.
	InsertMessage(sender string, conversationID int32, data, mediaType, timestamp, signature []byte) error
	// ListConversations returns the conversations the user participates in.
	ListConversations(email string) ([]protocol.Conversation, error)
	// ListMessages returns the messages of a conversation the user participates in.
	ListMessages(email string, conversationID int32) ([]protocol.Message, error)
	// ListParticipants returns the members of a conversation the user participates in.
	ListParticipants(email string, conversationID int32) ([]protocol.User, error)
}
