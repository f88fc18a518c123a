package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/promohive/promohive/internal/config"
)

func resolveEnv() string {
	if flagEnv != "" {
		return flagEnv
	}
	if env := os.Getenv("APP_ENV"); env != "" {
		return env
	}
	return config.EnvDevelopment
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfigDir, resolveEnv())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// adminClient talks to a running runtime's admin API.
type adminClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func newAdminClient(cfg *config.Config) *adminClient {
	return &adminClient{
		base:   fmt.Sprintf("http://127.0.0.1:%d", cfg.External.AdminPort),
		apiKey: cfg.External.AdminAPIKey,
		http:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *adminClient) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("admin API: %s", apiErr.Error)
		}
		return fmt.Errorf("admin API: HTTP %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}
