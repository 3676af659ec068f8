package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/DataBiosphere/externalcreds/internal/providerclient"
)

// UserInfo is the provider's user-info response. Providers in the passport
// federation answer with a signed JWT (application/jwt); plain OIDC
// providers answer with JSON claims. Exactly one of RawJWT and Claims is
// populated.
type UserInfo struct {
	RawJWT string
	Claims map[string]interface{}
}

// FetchUserInfo retrieves the user-info document for an access token.
func (e *Exchanger) FetchUserInfo(ctx context.Context, desc *providerclient.ClientDescriptor, accessToken string) (*UserInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.UserInfoEndpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("user info returned status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read user info response: %w", err)
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "application/jwt") {
		return &UserInfo{RawJWT: strings.TrimSpace(string(body))}, nil
	}

	var claims map[string]interface{}
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user info: %w", err)
	}
	return &UserInfo{Claims: claims}, nil
}
