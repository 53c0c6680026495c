package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// defaultVerifyTimeout bounds one round trip to the verification backend
const defaultVerifyTimeout = 10 * time.Second

// APIKeyVerifier verifies API keys against a backend verification endpoint.
//
// The backend receives POST {"credential": "<key>"} and answers 200 with
// {"is_valid": bool, "message": string, "name": string}. A 400 or 401 status
// is treated as an invalid key, anything else as a transport failure.
type APIKeyVerifier struct {
	verifyURL string
	client    *http.Client
	logger    *zap.Logger
}

// verifyResponse is the backend's verification answer
type verifyResponse struct {
	IsValid bool   `json:"is_valid"`
	Message string `json:"message"`
	Name    string `json:"name"`
}

// NewAPIKeyVerifier creates a verifier that calls the given verify endpoint
func NewAPIKeyVerifier(verifyURL string, logger *zap.Logger) *APIKeyVerifier {
	return &APIKeyVerifier{
		verifyURL: verifyURL,
		client:    &http.Client{Timeout: defaultVerifyTimeout},
		logger:    logger,
	}
}

// Verify checks the API key with the backend
func (v *APIKeyVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}

	payload, err := json.Marshal(map[string]string{"credential": credential})
	if err != nil {
		return Identity{}, fmt.Errorf("failed to marshal verification request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader(payload))
	if err != nil {
		return Identity{}, fmt.Errorf("failed to build verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("verification request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		var result verifyResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return Identity{}, fmt.Errorf("failed to decode verification response: %w", err)
		}
		if !result.IsValid {
			v.logger.Warn("api key rejected by backend", zap.String("message", result.Message))
			return Identity{}, fmt.Errorf("%s: %w", result.Message, ErrInvalidCredential)
		}
		return Identity{Name: result.Name}, nil

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return Identity{}, ErrInvalidCredential

	default:
		return Identity{}, fmt.Errorf("verification backend returned status %d", resp.StatusCode)
	}
}
