package server

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/quill/pkg/auth"
	"github.com/aeolun/quill/pkg/protocol"
)

type participantInsert struct {
	email          string
	conversationID int32
}

type messageInsert struct {
	sender         string
	conversationID int32
	data           []byte
}

type userInsert struct {
	email     string
	publicKey []byte
	hash      []byte
	salt      []byte
}

// fakeStore records every collaborator call so tests can assert both what
// was called and that nothing was called at all.
type fakeStore struct {
	calls []string

	credentials map[string]auth.Password
	users       []userInsert
	convs       []string
	parts       []participantInsert
	msgs        []messageInsert

	nextConversationID int32
	listConversations  []protocol.Conversation
	listMessages       []protocol.Message
	listParticipants   []protocol.User

	err error // when set, every call fails with it
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		credentials:        make(map[string]auth.Password),
		nextConversationID: 1,
	}
}

func (f *fakeStore) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeStore) VerifyCredentials(email string) ([]byte, []byte, error) {
	f.record("VerifyCredentials")
	if f.err != nil {
		return nil, nil, f.err
	}
	stored, ok := f.credentials[email]
	if !ok {
		return nil, nil, errors.New("user not found")
	}
	return stored.Hash, stored.Salt, nil
}

func (f *fakeStore) InsertUser(email string, publicKey, hash, salt []byte) error {
	f.record("InsertUser")
	if f.err != nil {
		return f.err
	}
	f.users = append(f.users, userInsert{email: email, publicKey: publicKey, hash: hash, salt: salt})
	return nil
}

func (f *fakeStore) InsertConversation(name string) (int32, error) {
	f.record("InsertConversation")
	if f.err != nil {
		return 0, f.err
	}
	f.convs = append(f.convs, name)
	id := f.nextConversationID
	f.nextConversationID++
	return id, nil
}

func (f *fakeStore) InsertParticipant(email string, conversationID int32) error {
	f.record("InsertParticipant")
	if f.err != nil {
		return f.err
	}
	f.parts = append(f.parts, participantInsert{email: email, conversationID: conversationID})
	return nil
}

func (f *fakeStore) InsertMessage(sender string, conversationID int32, data, mediaType, timestamp, signature []byte) error {
	f.record("InsertMessage")
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, messageInsert{sender: sender, conversationID: conversationID, data: data})
	return nil
}

func (f *fakeStore) ListConversations(email string) ([]protocol.Conversation, error) {
	f.record("ListConversations")
	return f.listConversations, f.err
}

func (f *fakeStore) ListMessages(email string, conversationID int32) ([]protocol.Message, error) {
	f.record("ListMessages")
	return f.listMessages, f.err
}

func (f *fakeStore) ListParticipants(email string, conversationID int32) ([]protocol.User, error) {
	f.record("ListParticipants")
	return f.listParticipants, f.err
}

func newTestServer(store Store) *Server {
	return NewServer(store, nil, ServerConfig{ReadBufferSize: 4096})
}

func authedSession(email string) *Session {
	sess := &Session{ID: 1}
	sess.Authenticate(email)
	return sess
}

func seedCredentials(t *testing.T, store *fakeStore, email, password string) {
	t.Helper()
	hashed, err := auth.HashPassword(password, nil)
	require.NoError(t, err)
	store.credentials[email] = hashed
}

func decodeTestRequest(t *testing.T, raw string) *protocol.Request {
	t.Helper()
	req, err := protocol.DecodeRequest([]byte(raw))
	require.NoError(t, err)
	return req
}

func TestDispatchRejectsUnauthenticatedSessions(t *testing.T) {
	// Every gated (operation, target) pair must fail before any
	// collaborator call. VERIFY USERS and CREATE USERS are exempt.
	functions := []string{
		"CREATE CONVERSATIONS",
		"CREATE MESSAGES",
		"READ USERS",
		"READ MESSAGES",
		"READ CONVERSATIONS",
	}

	for _, function := range functions {
		t.Run(function, func(t *testing.T) {
			store := newFakeStore()
			s := newTestServer(store)
			sess := &Session{ID: 1}

			req := decodeTestRequest(t, fmt.Sprintf(`{"function": %q}`, function))
			_, err := s.dispatch(sess, req)
			assert.ErrorIs(t, err, ErrUnauthorized)
			assert.Empty(t, store.calls, "collaborator must not be called before the auth gate")
		})
	}
}

func TestDispatchUnsupportedOperations(t *testing.T) {
	functions := []string{
		"UPDATE USERS",
		"UPDATE MESSAGES",
		"UPDATE CONVERSATIONS",
		"DELETE USERS",
		"DELETE MESSAGES",
		"DELETE CONVERSATIONS",
		"VERIFY MESSAGES",
		"VERIFY CONVERSATIONS",
	}

	for _, function := range functions {
		t.Run(function, func(t *testing.T) {
			store := newFakeStore()
			s := newTestServer(store)
			sess := authedSession("a@x.com")

			req := decodeTestRequest(t, fmt.Sprintf(`{"function": %q}`, function))
			_, err := s.dispatch(sess, req)
			assert.ErrorIs(t, err, ErrUnsupportedOperation)
			assert.Empty(t, store.calls)
		})
	}
}

func TestVerifyUsersSuccess(t *testing.T) {
	store := newFakeStore()
	seedCredentials(t, store, "alice@example.com", "hunter2")
	s := newTestServer(store)
	sess := &Session{ID: 1}

	req := decodeTestRequest(t, `{
		"function": "VERIFY USERS",
		"users": [{"email": "alice@example.com", "password": "hunter2"}]
	}`)

	resp, err := s.dispatch(sess, req)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.True(t, sess.Authenticated)
	assert.Equal(t, "alice@example.com", sess.Email)
}

func TestVerifyUsersWrongPassword(t *testing.T) {
	store := newFakeStore()
	seedCredentials(t, store, "alice@example.com", "hunter2")
	s := newTestServer(store)
	sess := &Session{ID: 1}

	req := decodeTestRequest(t, `{
		"function": "VERIFY USERS",
		"users": [{"email": "alice@example.com", "password": "hunter3"}]
	}`)

	_, err := s.dispatch(sess, req)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.False(t, sess.Authenticated)
	assert.Empty(t, sess.Email)
}

func TestVerifyUsersMissingFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"no users list", `{"function": "VERIFY USERS"}`, "users"},
		{"empty users list", `{"function": "VERIFY USERS", "users": []}`, "users"},
		{"no email", `{"function": "VERIFY USERS", "users": [{"password": "x"}]}`, "email"},
		{"no password", `{"function": "VERIFY USERS", "users": [{"email": "a@x.com"}]}`, "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			s := newTestServer(store)

			req := decodeTestRequest(t, tt.raw)
			_, err := s.dispatch(&Session{ID: 1}, req)

			var missing *MissingFieldError
			require.ErrorAs(t, err, &missing)
			assert.Equal(t, tt.want, missing.Name)
			assert.Empty(t, store.calls)
		})
	}
}

func TestCreateUsersHashesWithFreshSalt(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store)

	req := decodeTestRequest(t, `{
		"function": "CREATE USERS",
		"users": [
			{"email": "a@x.com", "password": "same", "publicKey": "a2V5YQ=="},
			{"email": "b@x.com", "password": "same", "publicKey": "a2V5Yg=="}
		]
	}`)

	resp, err := s.dispatch(&Session{ID: 1}, req)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)

	require.Len(t, store.users, 2)
	assert.Equal(t, "a@x.com", store.users[0].email)
	assert.Equal(t, []byte("keya"), store.users[0].publicKey)
	assert.Equal(t, "b@x.com", store.users[1].email)

	// Identical passwords must never share a salt or a digest
	assert.NotEqual(t, store.users[0].salt, store.users[1].salt)
	assert.NotEqual(t, store.users[0].hash, store.users[1].hash)

	// The digest must verify against the original password
	stored := auth.Password{Hash: store.users[0].hash, Salt: store.users[0].salt}
	assert.True(t, stored.Verify("same"))
}

func TestCreateUsersMissingField(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store)

	req := decodeTestRequest(t, `{
		"function": "CREATE USERS",
		"users": [{"email": "a@x.com", "password": "x"}]
	}`)

	_, err := s.dispatch(&Session{ID: 1}, req)
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "publicKey", missing.Name)
	assert.Empty(t, store.calls)
}

func TestCreateConversationsAddsCreatorAndListedUsers(t *testing.T) {
	store := newFakeStore()
	store.nextConversationID = 9
	s := newTestServer(store)
	sess := authedSession("a@x.com")

	req := decodeTestRequest(t, `{
		"function": "CREATE CONVERSATIONS",
		"users": [{"email": "b@x.com"}],
		"conversations": [{"name": "Team"}]
	}`)

	resp, err := s.dispatch(sess, req)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)

	assert.Equal(t, []string{"Team"}, store.convs)
	// Exactly two participant inserts: the creator, then the listed user
	require.Len(t, store.parts, 2)
	assert.Equal(t, participantInsert{email: "a@x.com", conversationID: 9}, store.parts[0])
	assert.Equal(t, participantInsert{email: "b@x.com", conversationID: 9}, store.parts[1])
}

func TestCreateConversationsMissingFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"no users", `{"function": "CREATE CONVERSATIONS", "conversations": [{"name": "T"}]}`, "users"},
		{"empty users", `{"function": "CREATE CONVERSATIONS", "users": [], "conversations": [{"name": "T"}]}`, "users"},
		{"no conversations", `{"function": "CREATE CONVERSATIONS", "users": [{"email": "b@x.com"}]}`, "conversations"},
		{"no name", `{"function": "CREATE CONVERSATIONS", "users": [{"email": "b@x.com"}], "conversations": [{}]}`, "name"},
		{"listed user without email", `{"function": "CREATE CONVERSATIONS", "users": [{"name": "B"}], "conversations": [{"name": "T"}]}`, "email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			s := newTestServer(store)

			req := decodeTestRequest(t, tt.raw)
			_, err := s.dispatch(authedSession("a@x.com"), req)

			var missing *MissingFieldError
			require.ErrorAs(t, err, &missing)
			assert.Equal(t, tt.want, missing.Name)
			assert.Empty(t, store.calls, "fail fast, before any insert")
		})
	}
}

func TestCreateMessagesTagsAllWithFirstConversation(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store)
	sess := authedSession("a@x.com")

	req := decodeTestRequest(t, `{
		"function": "CREATE MESSAGES",
		"conversations": [{"id": 7}, {"id": 8}],
		"messages": [
			{"data": "b25l", "mediaType": "dA==", "timestamp": "dA==", "signature": "cw=="},
			{"data": "dHdv", "mediaType": "dA==", "timestamp": "dA==", "signature": "cw=="},
			{"data": "dGhyZWU=", "mediaType": "dA==", "timestamp": "dA==", "signature": "cw=="}
		]
	}`)

	resp, err := s.dispatch(sess, req)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)

	// All three messages tagged with conversation 7, in order; the second
	// conversation entry is ignored
	require.Len(t, store.msgs, 3)
	for i, want := range []string{"one", "two", "three"} {
		assert.Equal(t, int32(7), store.msgs[i].conversationID)
		assert.Equal(t, "a@x.com", store.msgs[i].sender)
		assert.Equal(t, []byte(want), store.msgs[i].data)
	}
}

func TestCreateMessagesEmptyListInsertsNone(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store)

	req := decodeTestRequest(t, `{
		"function": "CREATE MESSAGES",
		"conversations": [{"id": 7}],
		"messages": []
	}`)

	resp, err := s.dispatch(authedSession("a@x.com"), req)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Empty(t, store.msgs)
}

func TestCreateMessagesMissingConversationID(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store)

	req := decodeTestRequest(t, `{
		"function": "CREATE MESSAGES",
		"conversations": [{"name": "no id"}],
		"messages": []
	}`)

	_, err := s.dispatch(authedSession("a@x.com"), req)
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "id", missing.Name)
}

func TestReadConversations(t *testing.T) {
	store := newFakeStore()
	teamID := int32(3)
	teamName := "Team"
	store.listConversations = []protocol.Conversation{{ID: &teamID, Name: &teamName}}
	s := newTestServer(store)

	req := decodeTestRequest(t, `{"function": "READ CONVERSATIONS"}`)
	resp, err := s.dispatch(authedSession("a@x.com"), req)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, store.listConversations, resp.Conversations)
	assert.Nil(t, resp.Users)
	assert.Nil(t, resp.Messages)
}

func TestReadMessagesRequiresConversationID(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store)

	req := decodeTestRequest(t, `{"function": "READ MESSAGES"}`)
	_, err := s.dispatch(authedSession("a@x.com"), req)

	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "conversations", missing.Name)
}

func TestReadUsersReturnsParticipants(t *testing.T) {
	store := newFakeStore()
	email := "b@x.com"
	store.listParticipants = []protocol.User{{Email: &email, PublicKey: []byte("pk")}}
	s := newTestServer(store)

	req := decodeTestRequest(t, `{"function": "READ USERS", "conversations": [{"id": 3}]}`)
	resp, err := s.dispatch(authedSession("a@x.com"), req)
	require.NoError(t, err)
	assert.Equal(t, store.listParticipants, resp.Users)
}

func TestStorageErrorsPropagateOpaquely(t *testing.T) {
	store := newFakeStore()
	storeErr := errors.New("connection refused")
	store.err = storeErr
	s := newTestServer(store)

	req := decodeTestRequest(t, `{"function": "READ CONVERSATIONS"}`)
	_, err := s.dispatch(authedSession("a@x.com"), req)
	assert.ErrorIs(t, err, storeErr)
}

func TestServeRequestNeverLeaksErrorDetail(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("secret internal detail")
	s := newTestServer(store)

	resp := s.serveRequest(authedSession("a@x.com"), []byte(`{"function": "READ CONVERSATIONS"}`))
	assert.Equal(t, protocol.StatusFailure, resp.Status)

	raw, err := resp.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret internal detail")
	assert.JSONEq(t, `{"status":0,"users":null,"messages":null,"conversations":null}`, string(raw))
}
