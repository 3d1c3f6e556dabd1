package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"time"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	sdpContentType = "application/sdp"
	DefaultModel   = "gpt-4o-realtime-preview-2024-12-17"
)

type SignalingOptions struct {
	// Base of the realtime API, e.g. https://api.openai.com/v1.
	BaseURL string
	Model   string
	Timeout time.Duration
	// When set the offer is posted together with this session to
	// <base>/realtime/calls instead of the bare SDP endpoint.
	Session *realtime.RealtimeSessionCreateRequestParam
}

// SignalingClient trades the local SDP offer for the remote answer.
type SignalingClient struct {
	logger  shared.LoggerAdapter
	baseURL *url.URL
	model   string
	session *realtime.RealtimeSessionCreateRequestParam
	http    *httpDoer
}

func NewSignalingClient(logger shared.LoggerAdapter, opts SignalingOptions) (*SignalingClient, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	base, err := parseBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	return &SignalingClient{
		logger:  logger.With(zap.String("component", "signaling")),
		baseURL: base,
		model:   model,
		session: opts.Session,
		http:    newHTTPDoer(opts.Timeout),
	}, nil
}

// Exchange posts offerSDP authenticated with cred and returns the answer
// text exactly as received.
func (s *SignalingClient) Exchange(ctx context.Context, offerSDP string, cred *Credential) (string, error) {
	if cred == nil || cred.Value == "" {
		return "", fmt.Errorf("exchanging offer: %w", shared.ErrInvalidState)
	}
	if offerSDP == "" {
		return "", &SignalingError{Message: "empty offer"}
	}

	var (
		endpoint    string
		body        []byte
		contentType string
		err         error
	)
	if s.session != nil {
		endpoint = s.baseURL.JoinPath("/realtime/calls").String()
		body, contentType, err = s.multipartBody(offerSDP)
		if err != nil {
			return "", &SignalingError{Message: "building request", Err: err}
		}
	} else {
		u := s.baseURL.JoinPath("/realtime")
		u.RawQuery = url.Values{"model": {s.model}}.Encode()
		endpoint = u.String()
		body = []byte(offerSDP)
		contentType = sdpContentType
	}

	s.logger.Debug("sending offer", zap.String("endpoint", endpoint), zap.Int("bytes", len(body)))
	status, answer, err := s.http.do(ctx, func(req *fasthttp.Request) {
		req.SetRequestURI(endpoint)
		req.Header.SetMethod(fasthttp.MethodPost)
		req.Header.Set("Authorization", "Bearer "+cred.Value)
		req.Header.SetContentType(contentType)
		req.SetBody(body)
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", &SignalingError{Err: err}
	}
	if !isSuccess(status) {
		msg := errorMessage(answer)
		if msg == "" && len(answer) > 0 && len(answer) < 512 {
			msg = string(answer)
		}
		s.logger.Warn("offer rejected", zap.Int("status", status), zap.String("message", msg))
		return "", &SignalingError{StatusCode: status, Message: msg}
	}
	if len(answer) == 0 {
		return "", &SignalingError{StatusCode: status, Err: errors.New("empty answer")}
	}
	s.logger.Info("answer received", zap.Int("status", status), zap.Int("bytes", len(answer)))
	return string(answer), nil
}

func (s *SignalingClient) multipartBody(offerSDP string) ([]byte, string, error) {
	sessBytes, err := s.session.MarshalJSON()
	if err != nil {
		return nil, "", fmt.Errorf("marshaling session: %w", err)
	}
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	parts := []struct {
		name, contentType string
		data              []byte
	}{
		{"sdp", sdpContentType, []byte(offerSDP)},
		{"session", "application/json", sessBytes},
	}
	for _, p := range parts {
		headers := textproto.MIMEHeader{}
		headers.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, p.name))
		headers.Set("Content-Type", p.contentType)
		w, err := writer.CreatePart(headers)
		if err != nil {
			return nil, "", fmt.Errorf("creating %s part: %w", p.name, err)
		}
		if _, err := w.Write(p.data); err != nil {
			return nil, "", fmt.Errorf("writing %s part: %w", p.name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart writer: %w", err)
	}
	return body.Bytes(), writer.FormDataContentType(), nil
}
