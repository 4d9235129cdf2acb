// Package notify delivers account messages such as password reset links.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/logging"
)

const channelEmail = "email"

type Sender interface {
	Send(ctx context.Context, message, recipient string) error
}

// New picks a sender by kind: "log" (the default), "noop", or an http(s)
// URL to post messages to.
func New(kind, token string, logger *slog.Logger) Sender {
	kind = strings.TrimSpace(kind)
	switch {
	case kind == "" || kind == "log":
		return logSender{logger: logging.OrDiscard(logger)}
	case kind == "noop":
		return noopSender{}
	case strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://"):
		return &WebhookSender{
			URL:    kind,
			Token:  token,
			Client: &http.Client{Timeout: 5 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		}
	default:
		logging.OrDiscard(logger).Warn("unknown notifier, logging messages instead", "kind", kind)
		return logSender{logger: logging.OrDiscard(logger)}
	}
}

type logSender struct {
	logger *slog.Logger
}

func (s logSender) Send(ctx context.Context, message, recipient string) error {
	s.logger.InfoContext(ctx, "notification", "channel", channelEmail, "recipient", recipient, "message", message)
	return nil
}

type noopSender struct{}

func (noopSender) Send(ctx context.Context, message, recipient string) error {
	return nil
}

// WebhookSender posts {channel, recipient, message} as JSON.
type WebhookSender struct {
	URL    string
	Token  string
	Client *http.Client
}

func (s *WebhookSender) Send(ctx context.Context, message, recipient string) error {
	body, err := json.Marshal(map[string]string{
		"channel":   channelEmail,
		"recipient": recipient,
		"message":   message,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindNetworkUnavailable, "notification delivery failed", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperr.New(apperr.KindTransient, fmt.Sprintf("notification provider returned %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return apperr.New(apperr.KindInvalid, fmt.Sprintf("notification provider rejected message: %d", resp.StatusCode))
	}
	return nil
}

// ResetMessenger turns reset tokens into links and sends them. It matches
// the local identity provider's reset sender signature.
func ResetMessenger(sender Sender, linkBase string) func(ctx context.Context, email, token string) error {
	return func(ctx context.Context, email, token string) error {
		return sender.Send(ctx, "Reset your password: "+ResetLink(linkBase, token), email)
	}
}

// ResetLink appends the token as a query parameter to base.
func ResetLink(base, token string) string {
	u, err := url.Parse(base)
	if err != nil || base == "" {
		return "token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
