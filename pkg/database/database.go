// Package database implements Quill's storage layer on SQLite. It is the
// data-access collaborator behind the request handlers: users,
// conversations, participants, and messages. All read queries are scoped
// to the requesting user's conversation membership.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aeolun/quill/pkg/protocol"
	_ "modernc.org/sqlite"
)

var (
	// ErrUserNotFound indicates no user exists for the given email.
	ErrUserNotFound = errors.New("user not found")
	// ErrConversationNotFound indicates the conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")
)

// DB wraps the SQLite connection pool. SQLite allows multiple readers and
// one writer in WAL mode; the pool is shared by every connection goroutine
// and is safe for concurrent use.
type DB struct {
	conn *sql.DB
}

// Open opens the SQLite database at the given path and initializes the
// schema if needed. maxConns bounds the read pool.
func Open(path string, maxConns int) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxConns < 1 {
		maxConns = 1
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(maxConns)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// WAL allows multiple readers and one writer at the same time
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait and retry instead of failing immediately with SQLITE_BUSY
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// SQLite ships with foreign keys disabled
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	public_key BLOB NOT NULL,
	pass_hash BLOB NOT NULL,
	pass_salt BLOB NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS participants (
	conversation_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, user_id),
	FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
	FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id INTEGER NOT NULL,
	conversation_id INTEGER NOT NULL,
	data BLOB NOT NULL,
	media_type BLOB NOT NULL,
	timestamp BLOB NOT NULL,
	signature BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (sender_id) REFERENCES users(id) ON DELETE CASCADE,
	FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
`
	_, err := db.conn.Exec(schema)
	return err
}

// userID resolves an email to a user row id.
func (db *DB) userID(email string) (int64, error) {
	var id int64
	err := db.conn.QueryRow("SELECT id FROM users WHERE email = ?", email).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// VerifyCredentials returns the stored password hash and salt for an email.
func (db *DB) VerifyCredentials(email string) (hash, salt []byte, err error) {
	err = db.conn.QueryRow(
		"SELECT pass_hash, pass_salt FROM users WHERE email = ?", email,
	).Scan(&hash, &salt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	if err != nil {
		return nil, nil, err
	}
	return hash, salt, nil
}

// InsertUser stores a new user. The email must be unique; violations
// propagate as constraint errors.
func (db *DB) InsertUser(email string, publicKey, hash, salt []byte) error {
	_, err := db.conn.Exec(
		"INSERT INTO users (email, public_key, pass_hash, pass_salt, created_at) VALUES (?, ?, ?, ?, ?)",
		email, publicKey, hash, salt, time.Now().UnixMilli(),
	)
	return err
}

// InsertConversation creates a conversation and returns its id.
func (db *DB) InsertConversation(name string) (int32, error) {
	result, err := db.conn.Exec(
		"INSERT INTO conversations (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int32(id), nil
}

// InsertParticipant adds the user with the given email to a conversation.
// Adding the same participant twice is a constraint violation.
func (db *DB) InsertParticipant(email string, conversationID int32) error {
	userID, err := db.userID(email)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(
		"INSERT INTO participants (conversation_id, user_id) VALUES (?, ?)",
		conversationID, userID,
	)
	return err
}

// InsertMessage stores one message in a conversation on behalf of sender.
func (db *DB) InsertMessage(sender string, conversationID int32, data, mediaType, timestamp, signature []byte) error {
	senderID, err := db.userID(sender)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(
		`INSERT INTO messages (sender_id, conversation_id, data, media_type, timestamp, signature, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		senderID, conversationID, data, mediaType, timestamp, signature, time.Now().UnixMilli(),
	)
	return err
}

// ListConversations returns every conversation the user participates in.
func (db *DB) ListConversations(email string) ([]protocol.Conversation, error) {
	rows, err := db.conn.Query(
		`SELECT c.id, c.name
		 FROM conversations c
		 JOIN participants p ON p.conversation_id = c.id
		 JOIN users u ON u.id = p.user_id
		 WHERE u.email = ?
		 ORDER BY c.id`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := []protocol.Conversation{}
	for rows.Next() {
		var id int32
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		conversations = append(conversations, protocol.Conversation{ID: &id, Name: &name})
	}
	return conversations, rows.Err()
}

// ListMessages returns the messages of a conversation in insertion order.
// The requesting user must be a participant; otherwise the result is empty.
func (db *DB) ListMessages(email string, conversationID int32) ([]protocol.Message, error) {
	rows, err := db.conn.Query(
		`SELECT m.data, m.media_type, m.timestamp, m.signature, sender.email
		 FROM messages m
		 JOIN users sender ON sender.id = m.sender_id
		 JOIN participants p ON p.conversation_id = m.conversation_id
		 JOIN users requester ON requester.id = p.user_id
		 WHERE requester.email = ? AND m.conversation_id = ?
		 ORDER BY m.id`, email, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []protocol.Message{}
	for rows.Next() {
		var msg protocol.Message
		var sender string
		if err := rows.Scan(&msg.Data, &msg.MediaType, &msg.Timestamp, &msg.Signature, &sender); err != nil {
			return nil, err
		}
		msg.Sender = &sender
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ListParticipants returns the users in a conversation, with their public
// keys. The requesting user must be a participant; otherwise the result is
// empty.
func (db *DB) ListParticipants(email string, conversationID int32) ([]protocol.User, error) {
	rows, err := db.conn.Query(
		`SELECT member.email, member.public_key
		 FROM participants p
		 JOIN users member ON member.id = p.user_id
		 WHERE p.conversation_id = ?
		   AND EXISTS (
			SELECT 1 FROM participants rp
			JOIN users requester ON requester.id = rp.user_id
			WHERE rp.conversation_id = p.conversation_id AND requester.email = ?
		   )
		 ORDER BY member.id`, conversationID, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []protocol.User{}
	for rows.Next() {
		var user protocol.User
		var memberEmail string
		if err := rows.Scan(&memberEmail, &user.PublicKey); err != nil {
			return nil, err
		}
		user.Email = &memberEmail
		users = append(users, user)
	}
	return users, rows.Err()
}
