package callable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/identity"
)

// Client calls functions hosted at BaseURL/<name>.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ Functions = (*Client)(nil)

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) VerifyAdmin(ctx context.Context, cred identity.Credential) (VerifyAdminResult, error) {
	var result VerifyAdminResult
	err := c.call(ctx, cred, FunctionVerifyAdmin, struct{}{}, &result)
	return result, err
}

func (c *Client) SetClaims(ctx context.Context, cred identity.Credential, uid string, claims map[string]any) error {
	var result SetClaimsResult
	if err := c.call(ctx, cred, FunctionSetClaims, SetClaimsRequest{UID: uid, Claims: claims}, &result); err != nil {
		return err
	}
	if !result.Success {
		return apperr.New(apperr.KindTransient, "setClaims did not report success")
	}
	return nil
}

func (c *Client) call(ctx context.Context, cred identity.Credential, name string, data any, out any) error {
	if cred.IDToken == "" {
		return identity.ErrNoCurrentUser
	}
	body, err := json.Marshal(map[string]any{"data": data})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+name, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.IDToken)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Wrap(apperr.KindNetworkUnavailable, fmt.Sprintf("call %s", name), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, fmt.Sprintf("read %s response", name), err)
	}

	var decoded struct {
		Result json.RawMessage `json:"result"`
		Error  *ErrorBody      `json:"error"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil && resp.StatusCode < 300 {
			return apperr.Wrap(apperr.KindTransient, fmt.Sprintf("decode %s response", name), err)
		}
	}
	if resp.StatusCode >= 300 || decoded.Error != nil {
		return errorFor(resp.StatusCode, decoded.Error)
	}
	if out == nil || len(decoded.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return apperr.Wrap(apperr.KindTransient, fmt.Sprintf("decode %s result", name), err)
	}
	return nil
}
