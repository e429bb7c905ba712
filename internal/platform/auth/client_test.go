package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

func testKeyPEM(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, keyPEM
}

func TestToken_Success(t *testing.T) {
	key, keyPEM := testKeyPEM(t)

	var gotAssertion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if gt := r.FormValue("grant_type"); gt != "client_credentials" {
			t.Fatalf("unexpected grant_type %q", gt)
		}
		if at := r.FormValue("client_assertion_type"); at != assertionType {
			t.Fatalf("unexpected client_assertion_type %q", at)
		}
		gotAssertion = r.FormValue("client_assertion")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-123","token_type":"bearer","expires_in":300}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "client-1", keyPEM, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	tok, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "tok-123" {
		t.Fatalf("expected tok-123, got %q", tok.AccessToken)
	}
	if !tok.Valid() {
		t.Fatal("expected token to be valid")
	}

	// The assertion must verify with the client key and carry the SMART
	// Backend Services claim shape.
	parsed, err := jwt.Parse(gotAssertion, func(tk *jwt.Token) (interface{}, error) {
		if tk.Method.Alg() != "RS384" {
			t.Fatalf("unexpected signing alg %s", tk.Method.Alg())
		}
		return &key.PublicKey, nil
	})
	if err != nil {
		t.Fatalf("parse assertion: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["iss"] != "client-1" || claims["sub"] != "client-1" {
		t.Fatalf("expected iss=sub=client-1, got iss=%v sub=%v", claims["iss"], claims["sub"])
	}
	if claims["aud"] != srv.URL {
		t.Fatalf("expected aud=%s, got %v", srv.URL, claims["aud"])
	}
	if jti, _ := claims["jti"].(string); jti == "" {
		t.Fatal("expected non-empty jti")
	}
}

func TestToken_UniqueJTIPerAssertion(t *testing.T) {
	_, keyPEM := testKeyPEM(t)
	c, err := NewClient("https://example.com/token", "client-1", keyPEM, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	jtis := make(map[string]bool)
	for i := 0; i < 3; i++ {
		assertion, err := c.signAssertion()
		if err != nil {
			t.Fatalf("signAssertion: %v", err)
		}
		parsed, _, err := jwt.NewParser().ParseUnverified(assertion, jwt.MapClaims{})
		if err != nil {
			t.Fatalf("parse assertion: %v", err)
		}
		jti := parsed.Claims.(jwt.MapClaims)["jti"].(string)
		if jtis[jti] {
			t.Fatalf("jti %q reused", jti)
		}
		jtis[jti] = true
	}
}

func TestToken_EndpointRejection(t *testing.T) {
	_, keyPEM := testKeyPEM(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "client-1", keyPEM, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = c.Token(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %T: %v", err, err)
	}
	if authErr.Stage != "response" {
		t.Fatalf("expected response stage, got %q", authErr.Stage)
	}
}

func TestToken_MissingAccessToken(t *testing.T) {
	_, keyPEM := testKeyPEM(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token_type":"bearer"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "client-1", keyPEM, zerolog.Nop())
	_, err := c.Token(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
}

func TestToken_NetworkError(t *testing.T) {
	_, keyPEM := testKeyPEM(t)
	// Port 1 is never listening.
	c, _ := NewClient("http://127.0.0.1:1/token", "client-1", keyPEM, zerolog.Nop())
	_, err := c.Token(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
	if authErr.Stage != "request" {
		t.Fatalf("expected request stage, got %q", authErr.Stage)
	}
}

func TestNewClient_BadKey(t *testing.T) {
	if _, err := NewClient("https://example.com", "c", []byte("not a key"), zerolog.Nop()); err == nil {
		t.Fatal("expected error for invalid PEM")
	}
}

func TestTokenValid_Expired(t *testing.T) {
	tok := &Token{AccessToken: "t", ExpiresAt: time.Now().Add(-time.Minute)}
	if tok.Valid() {
		t.Fatal("expected expired token to be invalid")
	}
}
