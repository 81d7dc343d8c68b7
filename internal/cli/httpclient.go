package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"guardloop/internal/config"
	"guardloop/internal/controlapi/httpapi"
)

// apiClient issues authenticated requests against a running guardloopd's
// Control API, minting its own bearer token from the shared JWT secret
// rather than requiring an interactive login step.
type apiClient struct {
	baseURL string
	token   string
}

func newAPIClient(cfg *config.Config) (*apiClient, error) {
	auth := httpapi.NewAuthService(cfg.ControlAPI.JWTSecret, time.Minute)
	token, err := auth.GenerateToken("cli")
	if err != nil {
		return nil, fmt.Errorf("mint CLI token: %w", err)
	}
	host := cfg.ControlAPI.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return &apiClient{
		baseURL: fmt.Sprintf("http://%s:%d/api/v1", host, cfg.ControlAPI.Port),
		token:   token,
	}, nil
}

func (c *apiClient) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to guardloopd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp httpapi.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return fmt.Errorf("%s", errResp.Error.Message)
		}
		return fmt.Errorf("guardloopd returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
