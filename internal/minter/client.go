package minter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gatherly/eventsite/internal/session"
	"github.com/gatherly/eventsite/internal/shared"
)

// Client calls a remote minting endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client for the endpoint at baseURL. A nil httpClient
// gets a 10s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Mint implements session.CredentialMinter.
func (c *Client) Mint(ctx context.Context, secret string) (string, error) {
	body, err := json.Marshal(MintRequest{Secret: secret})
	if err != nil {
		return "", shared.NewError(shared.KindServerError, "", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mint", bytes.NewReader(body))
	if err != nil {
		return "", shared.NewError(shared.KindServerError, "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", shared.NewError(shared.KindServerError, "", fmt.Errorf("minter: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", shared.NewError(shared.KindUnauthorized, "The override secret was not accepted.", nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", shared.NewError(shared.KindServerError, "", fmt.Errorf("minter: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
	}
	var out MintResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return "", shared.NewError(shared.KindServerError, "", fmt.Errorf("minter: decode response: %w", err))
	}
	if out.Token == "" {
		return "", shared.NewError(shared.KindServerError, "", fmt.Errorf("minter: empty token"))
	}
	return out.Token, nil
}

var _ session.CredentialMinter = (*Client)(nil)
