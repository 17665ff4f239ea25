package chatkit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// AuthProvider supplies and renews the bearer credential. Implementations
// are external to this subsystem; RESTAuthProvider below talks to the
// marketplace auth service, StaticAuthProvider serves tests and tooling.
type AuthProvider interface {
	// Credential returns the current bearer credential, "" when absent.
	Credential() string

	// Refresh obtains a replacement credential.
	Refresh(ctx context.Context) (string, error)

	// Clear discards the cached credential.
	Clear()
}

// HistoryService fetches the full transcript of a direct conversation.
type HistoryService interface {
	GetConversation(ctx context.Context, userA, userB string) ([]Message, error)
}

// ============================================================================
// Static auth provider
// ============================================================================

// StaticAuthProvider holds a fixed credential with no refresh capability.
type StaticAuthProvider struct {
	mu    sync.Mutex
	token string
}

// NewStaticAuthProvider wraps token in an AuthProvider.
func NewStaticAuthProvider(token string) *StaticAuthProvider {
	return &StaticAuthProvider{token: token}
}

func (p *StaticAuthProvider) Credential() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

func (p *StaticAuthProvider) Refresh(context.Context) (string, error) {
	return "", errors.New("static credential cannot be refreshed")
}

func (p *StaticAuthProvider) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
}

// ============================================================================
// REST auth provider
// ============================================================================

// RESTAuthProvider renews the credential against the auth service's
// refresh endpoint.
type RESTAuthProvider struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// NewRESTAuthProvider creates a provider seeded with the current token.
func NewRESTAuthProvider(baseURL, token string, httpClient *http.Client) *RESTAuthProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &RESTAuthProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		token:      token,
	}
}

func (p *RESTAuthProvider) Credential() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

func (p *RESTAuthProvider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	current := p.token
	p.mu.Unlock()

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, p.baseURL+"/api/auth/refresh-token", nil)
	if err != nil {
		return "", errors.Wrap(err, "create refresh request")
	}
	req.Header.Set("Authorization", "Bearer "+current)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "refresh request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("refresh: HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", errors.Wrap(err, "decode refresh response")
	}
	if payload.Token == "" {
		return "", errors.New("refresh returned empty token")
	}

	p.mu.Lock()
	p.token = payload.Token
	p.mu.Unlock()
	return payload.Token, nil
}

func (p *RESTAuthProvider) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
}

// ============================================================================
// REST history service
// ============================================================================

// RESTHistoryService fetches transcripts from the message history endpoint.
type RESTHistoryService struct {
	baseURL    string
	auth       AuthProvider
	httpClient *http.Client
}

// NewRESTHistoryService targets the history endpoint rooted at baseURL,
// authenticating each request through auth.
func NewRESTHistoryService(baseURL string, auth AuthProvider, httpClient *http.Client) *RESTHistoryService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &RESTHistoryService{
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       auth,
		httpClient: httpClient,
	}
}

// GetConversation returns the full transcript between userA and userB. The
// caller-supplied context bounds the fetch.
func (h *RESTHistoryService) GetConversation(ctx context.Context, userA, userB string) ([]Message, error) {
	u := h.baseURL + "/api/messages/" + userA + "/" + userB
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create history request")
	}
	if h.auth != nil {
		if tok := h.auth.Credential(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "history request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("history: HTTP %d: %s",
			resp.StatusCode, bytes.TrimSpace(body))
	}

	var msgs []Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, errors.Wrap(err, "decode history response")
	}
	return msgs, nil
}
