package kms

import "fmt"

// APIError reports a response whose status did not match the expected one.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status code %d, body: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// AuthError means no session token could be obtained. Nothing else can run without one.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication failed: %v", e.Err) }

func (e *AuthError) Unwrap() error { return e.Err }

// KeyCreateError reports a failed key creation. No key exists afterwards.
type KeyCreateError struct {
	Err error
}

func (e *KeyCreateError) Error() string { return fmt.Sprintf("creating key: %v", e.Err) }

func (e *KeyCreateError) Unwrap() error { return e.Err }

// EncryptError reports a failed encrypt call.
type EncryptError struct {
	KeyID string
	Err   error
}

func (e *EncryptError) Error() string {
	return fmt.Sprintf("encrypting with key %s: %v", e.KeyID, e.Err)
}

func (e *EncryptError) Unwrap() error { return e.Err }

// DecryptError reports a failed decrypt call.
type DecryptError struct {
	KeyID string
	Err   error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypting with key %s: %v", e.KeyID, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// KeyDeleteError reports a key that could not be removed. The key may still
// exist on the service.
type KeyDeleteError struct {
	KeyID string
	Err   error
}

func (e *KeyDeleteError) Error() string {
	return fmt.Sprintf("deleting key %s: %v", e.KeyID, e.Err)
}

func (e *KeyDeleteError) Unwrap() error { return e.Err }

// RoundTripError means decrypt(encrypt(x)) did not return x.
type RoundTripError struct {
	KeyID string
	Want  string
	Got   string
}

func (e *RoundTripError) Error() string {
	return fmt.Sprintf("key %s: the encryption text is not equal to decrypted text (want %q, got %q)", e.KeyID, e.Want, e.Got)
}
