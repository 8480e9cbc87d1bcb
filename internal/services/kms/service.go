// Package kms provides the client for the key-management HTTP API.
package kms

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fgeck/kmscheck/internal/models"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// API paths.
const (
	AuthPath    = "/sys/v1/session/auth"
	KeysPath    = "/crypto/v1/keys"
	encryptPath = KeysPath + "/%s/encrypt"
	decryptPath = KeysPath + "/%s/decrypt"
	keyPath     = KeysPath + "/%s"
)

// Key transaction parameters.
const (
	KeyName        = "so_apiservices"
	KeyDescription = "AES Key for Testing"
	KeySize        = 256
	CipherMode     = "CFB"
	SamplePlain    = "Us3rnam3/MyPa$$w0rd"
)

// cleanupTimeout bounds the key deletion once the caller's context is gone.
const cleanupTimeout = 30 * time.Second

// maxBodySize caps response bodies kept for errors and decoding.
const maxBodySize = 1 << 20

// Service defines the interface for key-management operations.
type Service interface {
	Authenticate(ctx context.Context) error
	GenerateAESKeyCycle(ctx context.Context) (*models.KeyMaterial, error)
	RoundTrip(ctx context.Context, plain string) (*models.KeyMaterial, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the key-management Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
	apiKey     string
	defaults   http.Header

	authOnce sync.Once
	token    string
	authErr  error
}

// New creates a new key-management client for one environment.
func New(logger zerolog.Logger, env models.EnvironmentConfig) *Impl {
	return NewWithClient(logger, &http.Client{Timeout: 30 * time.Second}, env)
}

// NewWithClient creates a new key-management client with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, env models.EnvironmentConfig) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimSuffix(env.APIURL, "/"),
		apiKey:     env.APIKey,
		defaults: http.Header{
			"Accept":     {"application/json"},
			"User-Agent": {"kmscheck"},
		},
	}
}

type authResponse struct {
	AccessToken string `json:"access_token"`
}

type createKeyRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	KeySize     int    `json:"key_size"`
	ObjType     string `json:"obj_type"`
}

type createKeyResponse struct {
	KID string `json:"kid"`
}

type encryptRequest struct {
	Alg   string `json:"alg"`
	Plain string `json:"plain"`
	Mode  string `json:"mode"`
}

type encryptResponse struct {
	Cipher string `json:"cipher"`
	IV     string `json:"iv"`
}

type decryptRequest struct {
	Alg    string `json:"alg"`
	Cipher string `json:"cipher"`
	Mode   string `json:"mode"`
	IV     string `json:"iv"`
}

type decryptResponse struct {
	Plain string `json:"plain"`
}

// Authenticate obtains the session token. It runs at most once per client;
// later calls return the first outcome.
func (c *Impl) Authenticate(ctx context.Context) error {
	c.authOnce.Do(func() {
		c.logger.Info().Str("url", c.baseURL).Msg("authenticating with key-management API")

		headers := http.Header{"Authorization": {"Basic " + c.apiKey}}
		body, status, err := c.send(ctx, http.MethodPost, AuthPath, headers, []byte{})
		if err != nil {
			c.authErr = &AuthError{Err: err}
			return
		}
		if status != http.StatusOK && status != http.StatusCreated {
			c.authErr = &AuthError{Err: &APIError{Method: http.MethodPost, Path: AuthPath, StatusCode: status, Body: string(body)}}
			return
		}

		var resp authResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			c.authErr = &AuthError{Err: fmt.Errorf("decoding response: %w", err)}
			return
		}
		if resp.AccessToken == "" {
			c.authErr = &AuthError{Err: fmt.Errorf("response carries no access_token")}
			return
		}
		c.token = "Bearer " + resp.AccessToken
		c.logger.Debug().Msg("session token obtained")
	})
	return c.authErr
}

// CreateKey creates an AES-256 key and returns its id.
func (c *Impl) CreateKey(ctx context.Context, name string) (string, error) {
	var resp createKeyResponse
	req := createKeyRequest{Name: name, Description: KeyDescription, KeySize: KeySize, ObjType: "AES"}
	if err := c.call(ctx, http.MethodPost, KeysPath, req, http.StatusCreated, &resp); err != nil {
		return "", &KeyCreateError{Err: err}
	}
	if resp.KID == "" {
		return "", &KeyCreateError{Err: fmt.Errorf("response carries no kid")}
	}
	c.logger.Info().Str("kid", resp.KID).Msg("key created")
	return resp.KID, nil
}

// Encrypt encrypts a base64 plaintext and returns the ciphertext and IV.
func (c *Impl) Encrypt(ctx context.Context, kid, plain string) (string, string, error) {
	var resp encryptResponse
	req := encryptRequest{Alg: "AES", Plain: plain, Mode: CipherMode}
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf(encryptPath, kid), req, http.StatusOK, &resp); err != nil {
		return "", "", &EncryptError{KeyID: kid, Err: err}
	}
	return resp.Cipher, resp.IV, nil
}

// Decrypt decrypts a ciphertext with the IV returned by Encrypt.
func (c *Impl) Decrypt(ctx context.Context, kid, cipher, iv string) (string, error) {
	var resp decryptResponse
	req := decryptRequest{Alg: "AES", Cipher: cipher, Mode: CipherMode, IV: iv}
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf(decryptPath, kid), req, http.StatusOK, &resp); err != nil {
		return "", &DecryptError{KeyID: kid, Err: err}
	}
	return resp.Plain, nil
}

// DeleteKey removes a key.
func (c *Impl) DeleteKey(ctx context.Context, kid string) error {
	if err := c.call(ctx, http.MethodDelete, fmt.Sprintf(keyPath, kid), nil, http.StatusNoContent, nil); err != nil {
		return &KeyDeleteError{KeyID: kid, Err: err}
	}
	c.logger.Info().Str("kid", kid).Msg("key deleted")
	return nil
}

// GenerateAESKeyCycle runs the key transaction with the fixed sample plaintext.
func (c *Impl) GenerateAESKeyCycle(ctx context.Context) (*models.KeyMaterial, error) {
	return c.RoundTrip(ctx, base64.StdEncoding.EncodeToString([]byte(SamplePlain)))
}

// RoundTrip creates a key, encrypts plain (base64), decrypts it again and
// checks the result. A key that was created is deleted on every path; a
// deletion failure is reported after any earlier failure.
func (c *Impl) RoundTrip(ctx context.Context, plain string) (material *models.KeyMaterial, err error) {
	if err := c.Authenticate(ctx); err != nil {
		return nil, err
	}

	kid, err := c.CreateKey(ctx, KeyName)
	if err != nil {
		return nil, err
	}

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if delErr := c.DeleteKey(cleanupCtx, kid); delErr != nil {
			c.logger.Error().Err(delErr).Str("kid", kid).Msg("key was not deleted")
			material = nil
			err = multierr.Append(err, delErr)
		}
	}()

	cipher, iv, err := c.Encrypt(ctx, kid, plain)
	if err != nil {
		return nil, err
	}

	decrypted, err := c.Decrypt(ctx, kid, cipher, iv)
	if err != nil {
		return nil, err
	}

	if decrypted != plain {
		return nil, &RoundTripError{KeyID: kid, Want: plain, Got: decrypted}
	}

	return &models.KeyMaterial{KeyID: kid, IV: iv}, nil
}

// call sends an authenticated JSON request and decodes the response into out.
func (c *Impl) call(ctx context.Context, method, path string, in any, want int, out any) error {
	if c.token == "" {
		return fmt.Errorf("not authenticated")
	}

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	body, status, err := c.send(ctx, method, path, http.Header{"Authorization": {c.token}}, payload)
	if err != nil {
		return err
	}
	if status != want {
		return &APIError{Method: method, Path: path, StatusCode: status, Body: string(body)}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func (c *Impl) send(ctx context.Context, method, path string, headers http.Header, payload []byte) ([]byte, int, error) {
	req, err := PrepareRequest(ctx, method, c.baseURL+path, c.defaults, headers, payload)
	if err != nil {
		return nil, 0, err
	}

	c.logger.Debug().Str("method", method).Str("path", path).Msg("api request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug().Int("status", resp.StatusCode).Str("path", path).Msg("api response")
	return body, resp.StatusCode, nil
}
