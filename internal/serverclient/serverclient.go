// Package serverclient implements the relay's wire protocol (§6 "Server
// request protocol"): every request is JSON, wrapped in an envelope
// carrying the caller's public key, an Ed25519 signature over the
// request body and timestamp, and the timestamp itself (the server
// rejects anything outside a ±90s window).
//
// The transport is net/http+JSON rather than net/rpc, since the relay is
// a public HTTPS service and not a trusted LAN RPC peer, and every call
// is signed, since the relay must authenticate the caller per request
// rather than per connection.
package serverclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lockbook/lockbook/internal/cryptography"
)

// timestampSkew is the window the server accepts around its own clock
// (§6, "requests outside a 90 second window are rejected").
const timestampSkew = 90 * time.Second

// Kind classifies a request so the client can pick the right endpoint
// and the server the right handler (§6 "Requests").
type Kind string

const (
	NewAccount   Kind = "new_account"
	GetPublicKey Kind = "get_public_key"
	GetUpdates   Kind = "get_updates"
	UpsertFiles  Kind = "upsert_files"
	ChangeDoc    Kind = "change_doc"
	GetDocument  Kind = "get_document"
	GetUsage     Kind = "get_usage"
)

// envelope is the signed wire frame every request travels in.
type envelope struct {
	PublicKey   []byte          `json:"public_key"`
	Signature   []byte          `json:"signature"`
	TimestampMs int64           `json:"timestamp_ms"`
	Kind        Kind            `json:"kind"`
	Request     json.RawMessage `json:"request"`
}

// signingPayload is the canonical byte encoding signed by the client:
// timestamp || kind || request body, in that order, so a replayed
// request for a different kind or body at the same timestamp fails
// verification.
func signingPayload(timestampMs int64, kind Kind, body []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d:%s:", timestampMs, kind)
	buf.Write(body)
	return buf.Bytes()
}

// Signer is the minimal identity surface the client needs to frame a
// request: the account's Ed25519 key pair.
type Signer interface {
	PublicKey() []byte
	Sign(message []byte) []byte
}

// Client talks to one relay server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     Signer
	now        func() time.Time
}

// New returns a Client targeting baseURL (e.g. "https://api.lockbook.app").
func New(baseURL string, signer Signer) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		signer:     signer,
		now:        time.Now,
	}
}

func errorf(method, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/lockbook/lockbook/internal/serverclient."+method+": "+format, a...)
}

// Transient errors (connection refused, timeouts, 5xx) are retried with
// exponential backoff (§7 "transient infra errors"); everything else
// (4xx, malformed responses) is returned immediately.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Call sends one signed request of the given kind and decodes the
// response into out (a pointer, or nil to discard the body). Retries
// transient failures per the backoff policy; a non-2xx response below
// 500 is never retried.
func (c *Client) Call(ctx context.Context, kind Kind, req, out interface{}) error {
	const method = "Client.Call"
	body, err := json.Marshal(req)
	if err != nil {
		return errorf(method, "marshal request: %v", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)

	operation := func() error {
		timestampMs := c.now().UnixMilli()
		sig := c.signer.Sign(signingPayload(timestampMs, kind, body))
		env := envelope{
			PublicKey:   c.signer.PublicKey(),
			Signature:   sig,
			TimestampMs: timestampMs,
			Kind:        kind,
			Request:     body,
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return backoff.Permanent(errorf(method, "marshal envelope: %v", err))
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/"+string(kind), bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(errorf(method, "build request: %v", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return &transientError{errorf(method, "do: %v", err)}
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return &transientError{errorf(method, "read response: %v", err)}
		}

		if resp.StatusCode >= 500 {
			return &transientError{errorf(method, "server error %d: %s", resp.StatusCode, respBody)}
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(decodeAPIError(resp.StatusCode, respBody))
		}
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(errorf(method, "decode response: %v", err))
			}
		}
		return nil
	}

	return backoff.Retry(operation, policy)
}

// APIError reports a server-rejected request with the server's own
// error code string, so callers can classify it into an
// internal/errkind.Kind (§7 "Server-versioning errors").
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("serverclient: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func decodeAPIError(statusCode int, body []byte) error {
	var parsed struct {
		Code    string `json:"error_code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &APIError{StatusCode: statusCode, Code: "unknown", Message: string(body)}
	}
	return &APIError{StatusCode: statusCode, Code: parsed.Code, Message: parsed.Message}
}

// --- Request/response shapes (§6.2, one struct pair per request kind) ---

type NewAccountRequest struct {
	Username        string `json:"username"`
	PublicKey       []byte `json:"public_key"`
	RootFileEncoded []byte `json:"root_file"` // gob-encoded filetree.File, opaque to the server
}

type NewAccountResponse struct{}

type GetPublicKeyRequest struct {
	Username string `json:"username"`
}

type GetPublicKeyResponse struct {
	PublicKey []byte `json:"public_key"`
}

type GetUpdatesRequest struct {
	SinceVersion uint64 `json:"since_version"`
}

type FileMetadata struct {
	Encoded []byte `json:"encoded"` // gob-encoded filetree.File
	Version uint64 `json:"version"`
}

type GetUpdatesResponse struct {
	Files       []FileMetadata `json:"files"`
	CurrentVersion uint64      `json:"current_version"`
}

// UpsertFilesRequest carries the signed, diff3-merged file records the
// client wants to commit. The server rejects the whole batch with
// GetUpdatesRequired if any included file's expected old version
// doesn't match what it holds (§4.5 step 5).
type UpsertFilesRequest struct {
	Updates []FileMetadata `json:"updates"`
}

type UpsertFilesResponse struct {
	NewVersion uint64 `json:"new_version"`
}

// GetUpdatesRequiredCode is the *APIError Code the server returns when
// its view has advanced past what the client assumed; the sync pipeline
// must restart from GetUpdates.
const GetUpdatesRequiredCode = "get_updates_required"

type ChangeDocRequest struct {
	FileID      [16]byte `json:"file_id"`
	OldHMAC     []byte   `json:"old_hmac"`
	NewHMAC     []byte   `json:"new_hmac"`
	Content     []byte   `json:"content"` // compressed+encrypted blob
}

type ChangeDocResponse struct{}

type GetDocumentRequest struct {
	FileID [16]byte `json:"file_id"`
	HMAC   []byte   `json:"hmac"`
}

type GetDocumentResponse struct {
	Content []byte `json:"content"`
}

type GetUsageRequest struct{}

type GetUsageResponse struct {
	UsedBytes uint64 `json:"used_bytes"`
	CapBytes  uint64 `json:"cap_bytes"`
}

// ed25519Signer adapts a cryptography.SigningKeyPair to the Signer
// interface Client needs.
type ed25519Signer struct {
	keys *cryptography.SigningKeyPair
}

func NewSigner(keys *cryptography.SigningKeyPair) Signer {
	return &ed25519Signer{keys: keys}
}

func (s *ed25519Signer) PublicKey() []byte { return []byte(s.keys.Public) }
func (s *ed25519Signer) Sign(message []byte) []byte { return s.keys.Sign(message) }

// --- Typed convenience wrappers over Call, one per request kind ---

func (c *Client) NewAccount(ctx context.Context, req NewAccountRequest) (*NewAccountResponse, error) {
	var resp NewAccountResponse
	if err := c.Call(ctx, NewAccount, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetPublicKey(ctx context.Context, username string) (*GetPublicKeyResponse, error) {
	var resp GetPublicKeyResponse
	if err := c.Call(ctx, GetPublicKey, GetPublicKeyRequest{Username: username}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetUpdates(ctx context.Context, sinceVersion uint64) (*GetUpdatesResponse, error) {
	var resp GetUpdatesResponse
	if err := c.Call(ctx, GetUpdates, GetUpdatesRequest{SinceVersion: sinceVersion}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) UpsertFiles(ctx context.Context, updates []FileMetadata) (*UpsertFilesResponse, error) {
	var resp UpsertFilesResponse
	if err := c.Call(ctx, UpsertFiles, UpsertFilesRequest{Updates: updates}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ChangeDoc(ctx context.Context, req ChangeDocRequest) (*ChangeDocResponse, error) {
	var resp ChangeDocResponse
	if err := c.Call(ctx, ChangeDoc, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetDocument(ctx context.Context, req GetDocumentRequest) (*GetDocumentResponse, error) {
	var resp GetDocumentResponse
	if err := c.Call(ctx, GetDocument, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetUsage(ctx context.Context) (*GetUsageResponse, error) {
	var resp GetUsageResponse
	if err := c.Call(ctx, GetUsage, GetUsageRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
