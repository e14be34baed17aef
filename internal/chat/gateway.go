package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/guardiao/backend/internal/domain"
)

// GatewayClient implements Adapter against the chat gateway's REST API.
// The gateway process holds the actual platform session; this client
// only speaks JSON over HTTP to it.
type GatewayClient struct {
	baseURL string
	http    *http.Client
}

// NewGatewayClient wires a client for the gateway at baseURL.
func NewGatewayClient(baseURL string, timeout time.Duration) *GatewayClient {
	return &GatewayClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (g *GatewayClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload *bytes.Buffer
	if body != nil {
		payload = &bytes.Buffer{}
		if err := json.NewEncoder(payload).Encode(body); err != nil {
			return fmt.Errorf("encoding gateway request: %w", err)
		}
	} else {
		payload = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("building gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling gateway %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("gateway %s %s: %w", method, path, domain.ErrNotFound)
		}
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("gateway %s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("gateway %s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding gateway response: %w", err)
		}
	}
	return nil
}

// WaitReady polls the gateway's readiness endpoint until it answers or
// ctx ends.
func (g *GatewayClient) WaitReady(ctx context.Context) error {
	for {
		if err := g.do(ctx, http.MethodGet, "/ready", nil, nil); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// SendDM delivers a direct message and returns its platform message id.
func (g *GatewayClient) SendDM(ctx context.Context, userID int64, dm DM) (int64, error) {
	req := map[string]interface{}{
		"user_id": userID,
		"title":   dm.Title,
		"body":    dm.Body,
		"fields":  dm.Fields,
		"buttons": dm.Buttons,
	}
	var resp struct {
		MessageID int64 `json:"message_id"`
	}
	if err := g.do(ctx, http.MethodPost, "/dms", req, &resp); err != nil {
		return 0, err
	}
	return resp.MessageID, nil
}

// EditDM rewrites a previously sent direct message in place.
func (g *GatewayClient) EditDM(ctx context.Context, userID, messageID int64, dm DM) error {
	path := fmt.Sprintf("/dms/%d/%d", userID, messageID)
	return g.do(ctx, http.MethodPatch, path, dm, nil)
}

// DeleteDM removes a previously sent direct message.
func (g *GatewayClient) DeleteDM(ctx context.Context, userID, messageID int64) error {
	path := fmt.Sprintf("/dms/%d/%d", userID, messageID)
	return g.do(ctx, http.MethodDelete, path, nil, nil)
}

// ApplyTimeout mutes a guild member for the duration.
func (g *GatewayClient) ApplyTimeout(ctx context.Context, guildID, userID int64, d time.Duration, reason string) error {
	req := map[string]interface{}{
		"guild_id":         guildID,
		"user_id":          userID,
		"duration_seconds": int64(d.Seconds()),
		"reason":           reason,
	}
	return g.do(ctx, http.MethodPost, "/timeouts", req, nil)
}

// FetchHistory returns up to limit channel messages sent after since,
// newest first.
func (g *GatewayClient) FetchHistory(ctx context.Context, channelID int64, since time.Time, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(limit))
	path := fmt.Sprintf("/channels/%d/messages?%s", channelID, q.Encode())

	var resp struct {
		Messages []struct {
			ID             int64     `json:"id"`
			AuthorID       int64     `json:"author_id"`
			Content        string    `json:"content"`
			AttachmentURLs []string  `json:"attachment_urls"`
			SentAt         time.Time `json:"sent_at"`
		} `json:"messages"`
	}
	if err := g.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		out = append(out, Message{
			ID:             m.ID,
			AuthorID:       m.AuthorID,
			Content:        m.Content,
			AttachmentURLs: m.AttachmentURLs,
			SentAt:         m.SentAt,
		})
	}
	return out, nil
}

// PostChannelMessage posts to a guild channel and returns the message id.
func (g *GatewayClient) PostChannelMessage(ctx context.Context, channelID int64, msg ChannelMessage) (int64, error) {
	path := fmt.Sprintf("/channels/%d/messages", channelID)
	var resp struct {
		MessageID int64 `json:"message_id"`
	}
	if err := g.do(ctx, http.MethodPost, path, msg, &resp); err != nil {
		return 0, err
	}
	return resp.MessageID, nil
}

// ResolveGuild looks a guild up by id.
func (g *GatewayClient) ResolveGuild(ctx context.Context, guildID int64) (*GuildInfo, error) {
	var info GuildInfo
	path := fmt.Sprintf("/guilds/%d", guildID)
	if err := g.do(ctx, http.MethodGet, path, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ResolveMember looks a guild member up.
func (g *GatewayClient) ResolveMember(ctx context.Context, guildID, userID int64) (*MemberInfo, error) {
	var info MemberInfo
	path := fmt.Sprintf("/guilds/%d/members/%d", guildID, userID)
	if err := g.do(ctx, http.MethodGet, path, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
