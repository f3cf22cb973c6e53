package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/config"
)

var (
	serverURL string
	apiKey    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "relay base URL (default derived from api.listen_addr)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default api.api_key)")
}

// apiClient talks to a running relay. Queue and sandbox state live in the
// server process, so inspection goes over HTTP.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient() (*apiClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	base := serverURL
	if base == "" {
		base = baseURLFromAddr(cfg.API.ListenAddr)
	}
	key := apiKey
	if key == "" {
		key = cfg.API.APIKey
	}

	return &apiClient{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  key,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// baseURLFromAddr turns a listen address like ":3000" into a local URL
func baseURLFromAddr(addr string) string {
	if addr == "" {
		addr = config.DefaultListenAddr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach relay at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("relay returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("relay returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
