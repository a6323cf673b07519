package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockTrovoServer creates a test server that mocks Trovo open-platform responses
type MockTrovoServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTrovoServer creates a new mock platform API server
func NewMockTrovoServer(t *testing.T) *MockTrovoServer {
	t.Helper()
	m := &MockTrovoServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *MockTrovoServer) respondJSON(path string, payload any) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // test mock response
	}
}

// MockChannelInfo adds a handler for the /channels/id endpoint
func (m *MockTrovoServer) MockChannelInfo(channelID, channelURL, streamID string, isLive bool) {
	m.respondJSON("/channels/id", map[string]any{
		"channel_id":  channelID,
		"username":    "streamer",
		"channel_url": channelURL,
		"is_live":     isLive,
		"stream_id":   streamID,
	})
}

// MockOwnedChannels adds a handler for the current-user channel listing
func (m *MockTrovoServer) MockOwnedChannels(channels []map[string]string) {
	m.respondJSON("/getuserchannels", map[string]any{"channels": channels})
}

// MockSocketToken adds a handler for the socket auth token endpoint
func (m *MockTrovoServer) MockSocketToken(token string) {
	m.respondJSON("/chat/token", map[string]string{"token": token})
}

// MockChannelChatToken adds a handler for a channel's chat topic token endpoint
func (m *MockTrovoServer) MockChannelChatToken(channelID, token string) {
	m.respondJSON("/chat/channel-token/"+channelID, map[string]string{"token": token})
}

// MockUserRoles adds a handler for the role lookup endpoint
func (m *MockTrovoServer) MockUserRoles(channelID, userID string, roles []string) {
	m.respondJSON("/channels/"+channelID+"/users/"+userID+"/roles", map[string]any{"roles": roles})
}

// MockSendChat adds a handler for the chat send endpoint and records payloads
func (m *MockTrovoServer) MockSendChat(record func(channelID, content string)) {
	m.Handlers["/chat/send"] = func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ChannelID string `json:"channel_id"`
			Content   string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test mock request
		if record != nil {
			record(body.ChannelID, body.Content)
		}
		w.WriteHeader(http.StatusOK)
	}
}

// MockAppTokenResponse adds a handler for the client-credentials token endpoint
func (m *MockTrovoServer) MockAppTokenResponse(accessToken string, expiresIn int) {
	m.respondJSON("/exchangetoken", map[string]any{
		"access_token": accessToken,
		"expires_in":   expiresIn,
		"token_type":   "bearer",
	})
}
