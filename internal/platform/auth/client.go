// Package auth implements the client half of SMART Backend Services
// authorization (SMART App Launch v2.0 §5): it signs a JWT client assertion
// and exchanges it for a short-lived bearer token via the
// client_credentials grant.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// assertionLifetime keeps the assertion exp comfortably inside the 5-minute
// maximum that SMART Backend Services servers enforce.
const assertionLifetime = 4 * time.Minute

// AuthError indicates that a bearer token could not be obtained. It is fatal
// for a pipeline run; callers abort rather than retry.
type AuthError struct {
	Stage string // "sign", "request", "response"
	Err   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("token acquisition failed at %s: %v", e.Stage, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Token is a bearer credential scoped to a single pipeline run. It is held
// in memory only and discarded when the run ends.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the token can still be presented.
func (t *Token) Valid() bool {
	return t.AccessToken != "" && time.Now().Before(t.ExpiresAt)
}

// Client acquires access tokens from a SMART Backend Services token endpoint.
type Client struct {
	tokenURL   string
	clientID   string
	privateKey *rsa.PrivateKey
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a token client. The key must be an RSA private key in
// PKCS#1 or PKCS#8 PEM form.
func NewClient(tokenURL, clientID string, keyPEM []byte, logger zerolog.Logger) (*Client, error) {
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Client{
		tokenURL:   tokenURL,
		clientID:   clientID,
		privateKey: key,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}, nil
}

// NewClientFromFile creates a token client with the key loaded from a PEM file.
func NewClientFromFile(tokenURL, clientID, keyPath string, logger zerolog.Logger) (*Client, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key file: %w", err)
	}
	return NewClient(tokenURL, clientID, keyPEM, logger)
}

// SetHTTPClient replaces the underlying HTTP client. Intended for tests.
func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }

// tokenResponse is the JSON body returned by the token endpoint.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token signs a fresh client assertion and exchanges it for an access token.
// There is no internal retry: an authorization failure means the client
// registration or key is wrong, and retrying cannot fix that.
func (c *Client) Token(ctx context.Context) (*Token, error) {
	assertion, err := c.signAssertion()
	if err != nil {
		return nil, &AuthError{Stage: "sign", Err: err}
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", assertionType)
	form.Set("client_assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &AuthError{Stage: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &AuthError{Stage: "request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &AuthError{Stage: "response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &AuthError{
			Stage: "response",
			Err:   fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &AuthError{Stage: "response", Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return nil, &AuthError{Stage: "response", Err: fmt.Errorf("token response has no access_token")}
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 300
	}

	c.logger.Info().
		Str("client_id", c.clientID).
		Int("expires_in", expiresIn).
		Msg("access token acquired")

	return &Token{
		AccessToken: tr.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// signAssertion builds the RS384 client assertion required by SMART Backend
// Services: iss == sub == client_id, aud == token endpoint, unique jti,
// short exp.
func (c *Client) signAssertion() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": c.clientID,
		"sub": c.clientID,
		"aud": c.tokenURL,
		"jti": uuid.New().String(),
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	signed, err := token.SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("signing assertion: %w", err)
	}
	return signed, nil
}

// parsePrivateKey decodes an RSA private key from PKCS#1 or PKCS#8 PEM.
func parsePrivateKey(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T, want RSA", parsed)
	}
	return key, nil
}
