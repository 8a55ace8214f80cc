package server

import (
	"fmt"

	"github.com/aeolun/quill/pkg/auth"
	"github.com/aeolun/quill/pkg/protocol"
)

// dispatch routes a decoded request to the handler for its (operation,
// target) pair. The switch is total over the declared enumeration: every
// combination either routes to a handler or is rejected with
// ErrUnsupportedOperation.
func (s *Server) dispatch(sess *Session, req *protocol.Request) (*protocol.Response, error) {
	switch req.Operation {
	case protocol.OpVerify:
		switch req.Target {
		case protocol.TargetUsers:
			return s.handleVerifyUsers(sess, req)
		}
	case protocol.OpCreate:
		switch req.Target {
		case protocol.TargetUsers:
			return s.handleCreateUsers(req)
		case protocol.TargetConversations:
			return s.handleCreateConversations(sess, req)
		case protocol.TargetMessages:
			return s.handleCreateMessages(sess, req)
		}
	case protocol.OpRead:
		switch req.Target {
		case protocol.TargetUsers:
			return s.handleReadUsers(sess, req)
		case protocol.TargetConversations:
			return s.handleReadConversations(sess)
		case protocol.TargetMessages:
			return s.handleReadMessages(sess, req)
		}
	case protocol.OpUpdate, protocol.OpDelete:
		// Not implemented for any target
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperation, req.Function())
}

// requireAuth gates every handler except VERIFY USERS and CREATE USERS.
// It runs before any field extraction or collaborator call.
func requireAuth(sess *Session) error {
	if !sess.Authenticated {
		return ErrUnauthorized
	}
	return nil
}

// handleVerifyUsers authenticates the session against stored credentials.
// A mismatch fails the request, not the connection; the client may retry.
func (s *Server) handleVerifyUsers(sess *Session, req *protocol.Request) (*protocol.Response, error) {
	if len(req.Users) == 0 {
		return nil, missingField("users")
	}
	user := req.Users[0]

	if user.Email == nil {
		return nil, missingField("email")
	}
	if user.Password == nil {
		return nil, missingField("password")
	}

	hash, salt, err := s.store.VerifyCredentials(*user.Email)
	if err != nil {
		return nil, err
	}

	stored := auth.Password{Hash: hash, Salt: salt}
	if !stored.Verify(*user.Password) {
		return nil, ErrInvalidCredentials
	}

	sess.Authenticate(*user.Email)
	return &protocol.Response{Status: protocol.StatusSuccess}, nil
}

// handleCreateUsers registers each supplied user. Passwords are hashed with
// a freshly generated salt; a caller-supplied salt is never accepted.
func (s *Server) handleCreateUsers(req *protocol.Request) (*protocol.Response, error) {
	if req.Users == nil {
		return nil, missingField("users")
	}

	for _, user := range req.Users {
		if user.Email == nil {
			return nil, missingField("email")
		}
		if user.Password == nil {
			return nil, missingField("password")
		}
		if user.PublicKey == nil {
			return nil, missingField("publicKey")
		}

		password, err := auth.HashPassword(*user.Password, nil)
		if err != nil {
			return nil, err
		}

		if err := s.store.InsertUser(*user.Email, user.PublicKey, password.Hash, password.Salt); err != nil {
			return nil, err
		}
	}

	return &protocol.Response{Status: protocol.StatusSuccess}, nil
}

// handleCreateConversations creates one conversation from the first
// conversation record and adds the authenticated caller plus every listed
// user as participants.
func (s *Server) handleCreateConversations(sess *Session, req *protocol.Request) (*protocol.Response, error) {
	if err := requireAuth(sess); err != nil {
		return nil, err
	}

	if len(req.Users) == 0 {
		return nil, missingField("users")
	}
	if len(req.Conversations) == 0 {
		return nil, missingField("conversations")
	}

	conversation := req.Conversations[0]
	if conversation.Name == nil {
		return nil, missingField("name")
	}

	// Presence of every email is checked before the first insert so a
	// malformed request doesn't leave a half-built conversation behind.
	for _, user := range req.Users {
		if user.Email == nil {
			return nil, missingField("email")
		}
	}

	conversationID, err := s.store.InsertConversation(*conversation.Name)
	if err != nil {
		return nil, err
	}

	// The creator is always a participant, in addition to the listed users
	if err := s.store.InsertParticipant(sess.Email, conversationID); err != nil {
		return nil, err
	}
	for _, user := range req.Users {
		if err := s.store.InsertParticipant(*user.Email, conversationID); err != nil {
			return nil, err
		}
	}

	return &protocol.Response{Status: protocol.StatusSuccess}, nil
}

// handleCreateMessages inserts each supplied message, in order, into the
// conversation named by the first conversation record's id. An empty
// messages list is not an error; it inserts none.
func (s *Server) handleCreateMessages(sess *Session, req *protocol.Request) (*protocol.Response, error) {
	if err := requireAuth(sess); err != nil {
		return nil, err
	}

	if req.Messages == nil {
		return nil, missingField("messages")
	}
	if len(req.Conversations) == 0 {
		return nil, missingField("conversations")
	}
	conversation := req.Conversations[0]
	if conversation.ID == nil {
		return nil, missingField("id")
	}

	for _, message := range req.Messages {
		if message.Data == nil {
			return nil, missingField("data")
		}
		if message.MediaType == nil {
			return nil, missingField("mediaType")
		}
		if message.Timestamp == nil {
			return nil, missingField("timestamp")
		}
		if message.Signature == nil {
			return nil, missingField("signature")
		}

		err := s.store.InsertMessage(sess.Email, *conversation.ID,
			message.Data, message.MediaType, message.Timestamp, message.Signature)
		if err != nil {
			return nil, err
		}
	}

	return &protocol.Response{Status: protocol.StatusSuccess}, nil
}

// handleReadConversations lists the conversations the authenticated user
// participates in.
func (s *Server) handleReadConversations(sess *Session) (*protocol.Response, error) {
	if err := requireAuth(sess); err != nil {
		return nil, err
	}

	conversations, err := s.store.ListConversations(sess.Email)
	if err != nil {
		return nil, err
	}

	return &protocol.Response{
		Status:        protocol.StatusSuccess,
		Conversations: conversations,
	}, nil
}

// handleReadMessages lists the messages of the conversation named by the
// first conversation record's id. Batched reads across multiple
// conversations are not supported.
func (s *Server) handleReadMessages(sess *Session, req *protocol.Request) (*protocol.Response, error) {
	if err := requireAuth(sess); err != nil {
		return nil, err
	}

	if len(req.Conversations) == 0 {
		return nil, missingField("conversations")
	}
	conversation := req.Conversations[0]
	if conversation.ID == nil {
		return nil, missingField("id")
	}

	messages, err := s.store.ListMessages(sess.Email, *conversation.ID)
	if err != nil {
		return nil, err
	}

	return &protocol.Response{
		Status:   protocol.StatusSuccess,
		Messages: messages,
	}, nil
}

// handleReadUsers lists the participants of the conversation named by the
// first conversation record's id, with their public keys.
func (s *Server) handleReadUsers(sess *Session, req *protocol.Request) (*protocol.Response, error) {
	if err := requireAuth(sess); err != nil {
		return nil, err
	}

	if len(req.Conversations) == 0 {
		return nil, missingField("conversations")
	}
	conversation := req.Conversations[0]
	if conversation.ID == nil {
		return nil, missingField("id")
	}

	users, err := s.store.ListParticipants(sess.Email, *conversation.ID)
	if err != nil {
		return nil, err
	}

	return &protocol.Response{
		Status: protocol.StatusSuccess,
		Users:  users,
	}, nil
}
