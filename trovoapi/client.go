// Package trovoapi contains minimal helpers to interact with the Trovo open
// platform APIs: channel/stream lookup, chat socket and topic token minting,
// sender role lookup, and chat message delivery.
package trovoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// DefaultBaseURL is the production open-platform API root.
const DefaultBaseURL = "https://open-api.trovo.live/openplatform"

// Client provides the platform operations the relay engine needs. It holds no
// state besides the cached app access token in AppTokenSource.
type Client struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	BaseURL        string // defaults to DefaultBaseURL
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return DefaultBaseURL
}

// APIError is a non-2xx platform response. Transient failures surface as this
// type so callers can log and retry without string matching.
type APIError struct {
	Status  int
	Code    int    `json:"status"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("trovo api error: http %d code %d: %s", e.Status, e.Code, e.Message)
}

// ChannelInfo is the subset of channel/stream state the engine consumes.
type ChannelInfo struct {
	ChannelID   string `json:"channel_id"`
	UserName    string `json:"username"`
	ChannelURL  string `json:"channel_url"`
	IsLive      bool   `json:"is_live"`
	LiveTitle   string `json:"live_title"`
	StreamID    string `json:"stream_id"` // empty when offline
	StartedAt   int64  `json:"started_at"`
	ViewerCount int    `json:"current_viewers"`
}

// OwnedChannel is returned by the current-user channel listing and is used to
// auto-resolve a subscription's channel URL from its known channel id.
type OwnedChannel struct {
	ChannelID  string `json:"channel_id"`
	ChannelURL string `json:"channel_url"`
}

// GetChannelInfo fetches channel and live-stream state using the app token.
func (c *Client) GetChannelInfo(ctx context.Context, channelID string) (*ChannelInfo, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channelID empty")
	}
	var info ChannelInfo
	body := map[string]string{"channel_id": channelID}
	if err := c.doApp(ctx, http.MethodPost, "/channels/id", body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListOwnedChannels returns the channels administered by the user that owns
// the given access token.
func (c *Client) ListOwnedChannels(ctx context.Context, userToken string) ([]OwnedChannel, error) {
	var out struct {
		Channels []OwnedChannel `json:"channels"`
	}
	if err := c.doUser(ctx, userToken, http.MethodGet, "/getuserchannels", nil, &out); err != nil {
		return nil, err
	}
	return out.Channels, nil
}

// SocketToken mints the bearer token used in the push socket AUTH frame.
// The token is bound to the sending identity, so it takes a user token.
func (c *Client) SocketToken(ctx context.Context, userToken string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.doUser(ctx, userToken, http.MethodGet, "/chat/token", nil, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("empty socket token in response")
	}
	return out.Token, nil
}

// ChannelChatToken mints the subscription token for a channel's chat topic.
func (c *Client) ChannelChatToken(ctx context.Context, channelID string) (string, error) {
	if channelID == "" {
		return "", fmt.Errorf("channelID empty")
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.doApp(ctx, http.MethodGet, "/chat/channel-token/"+channelID, nil, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("empty channel chat token in response")
	}
	return out.Token, nil
}

// GetUserRoles returns the role identifiers a user holds on a channel
// (e.g. streamer, mod, editor, supermod, follower).
func (c *Client) GetUserRoles(ctx context.Context, channelID, userID string) ([]string, error) {
	if channelID == "" || userID == "" {
		return nil, fmt.Errorf("channelID/userID empty")
	}
	var out struct {
		Roles []string `json:"roles"`
	}
	path := fmt.Sprintf("/channels/%s/users/%s/roles", channelID, userID)
	if err := c.doApp(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Roles, nil
}

// SendChatMessage posts a chat message to a channel as the token's identity.
func (c *Client) SendChatMessage(ctx context.Context, accessToken, channelID, content string) error {
	if channelID == "" || content == "" {
		return fmt.Errorf("channelID/content empty")
	}
	body := map[string]string{"channel_id": channelID, "content": content}
	return c.doUser(ctx, accessToken, http.MethodPost, "/chat/send", body, nil)
}

// doApp performs a request authorized by the cached app access token.
func (c *Client) doApp(ctx context.Context, method, path string, body, out any) error {
	tok, err := c.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	return c.do(ctx, tok, method, path, body, out)
}

// doUser performs a request authorized by a user (or bot identity) token.
func (c *Client) doUser(ctx context.Context, token, method, path string, body, out any) error {
	if token == "" {
		return fmt.Errorf("access token empty")
	}
	return c.do(ctx, token, method, path, body, out)
}

func (c *Client) do(ctx context.Context, token, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Client-ID", c.ClientID)
	req.Header.Set("Authorization", "OAuth "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(raw)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
