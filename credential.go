package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const credentialPath = "/connectToOpenAI"

// Credential is an ephemeral bearer token minted by the trusted backend.
// It lives in memory for one connection attempt only.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the server-defined validity window is over.
// A credential without an expiry never expires client side.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// String never exposes any part of the secret.
func (c *Credential) String() string {
	return "[redacted]"
}

type credentialResponse struct {
	ClientSecret *struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
	// Newer backends proxy /realtime/client_secrets and return the secret flat.
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

// CredentialClient fetches ephemeral credentials. It never retries; the
// caller decides what to do with a failure.
type CredentialClient struct {
	logger   shared.LoggerAdapter
	endpoint string
	http     *httpDoer
}

func NewCredentialClient(logger shared.LoggerAdapter, baseURL string, timeout time.Duration) (*CredentialClient, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &CredentialClient{
		logger:   logger.With(zap.String("component", "credential")),
		endpoint: base.JoinPath(credentialPath).String(),
		http:     newHTTPDoer(timeout),
	}, nil
}

func (c *CredentialClient) AcquireCredential(ctx context.Context) (*Credential, error) {
	c.logger.Debug("requesting credential", zap.String("endpoint", c.endpoint))
	status, body, err := c.http.do(ctx, func(req *fasthttp.Request) {
		req.SetRequestURI(c.endpoint)
		req.Header.SetMethod(fasthttp.MethodGet)
		req.Header.SetContentType("application/json")
		req.Header.Set("Accept", "application/json")
	})
	if err != nil {
		return nil, &CredentialError{Err: err}
	}
	if !isSuccess(status) {
		msg := errorMessage(body)
		c.logger.Warn("credential request rejected", zap.Int("status", status), zap.String("message", msg))
		return nil, &CredentialError{StatusCode: status, Message: msg}
	}

	var resp credentialResponse
	if err := sonic.Unmarshal(body, &resp); err != nil {
		return nil, &CredentialError{Message: "decoding credential response", Err: err}
	}
	cred := new(Credential)
	switch {
	case resp.ClientSecret != nil && resp.ClientSecret.Value != "":
		cred.Value = resp.ClientSecret.Value
		cred.ExpiresAt = unixTime(resp.ClientSecret.ExpiresAt)
	case resp.Value != "":
		cred.Value = resp.Value
		cred.ExpiresAt = unixTime(resp.ExpiresAt)
	default:
		return nil, &CredentialError{Err: errors.New("response carries no client_secret.value")}
	}
	c.logger.Info("credential acquired",
		zap.Stringer("credential", cred),
		zap.Time("expires_at", cred.ExpiresAt),
	)
	return cred, nil
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
