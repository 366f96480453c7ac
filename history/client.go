// Package history is the HTTP client for the message history API.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"relaychat/models"
)

// Client talks to the chat server's REST API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a history client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchMessages retrieves one page of a conversation's history, newest
// first within the page.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, page, limit int) (*models.MessagePage, error) {
	path := fmt.Sprintf("/api/conversations/%s/messages?page=%d&limit=%d",
		url.PathEscape(conversationID), page, limit)

	respBody, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var result models.MessagePage
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode message page: %w", err)
	}
	return &result, nil
}

// Conversations lists the conversations known to the server.
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	respBody, err := c.get(ctx, "/api/conversations")
	if err != nil {
		return nil, err
	}

	var conversations []models.Conversation
	if err := json.Unmarshal(respBody, &conversations); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return conversations, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, fmt.Errorf("history API error %d: %s", resp.StatusCode, errResp.Error)
	}

	return respBody, nil
}
