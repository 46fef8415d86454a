// Package client is a thin HTTP client for the sealml API, used by sealctl
// for remote commands.
package client

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/haukened/sealml/internal/app"
	"github.com/haukened/sealml/internal/httpx"
)

// Errors reported for non-2xx responses. The server message is appended.
var (
	ErrBadRequest     = errors.New("bad request")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrTooLarge       = errors.New("request too large")
	ErrUnprocessable  = errors.New("unprocessable")
	ErrUnavailable    = errors.New("service unavailable")
	ErrInternalServer = errors.New("internal server error")
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client calls a sealml server.
type Client struct {
	http *resty.Client
}

// Download is a binary response body with its suggested file name.
type Download struct {
	Name       string
	Blob       []byte
	ArtifactID string
	Digest     string
}

// Prediction is the outcome of Predict.
type Prediction struct {
	Download
	Rows int
	MSE  *float64
}

// Unprotected is the outcome of Unprotect.
type Unprotected struct {
	Name    string
	Payload []byte
	Extras  []string
}

// New returns a Client for cfg.BaseURL.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:8080"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cli := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "sealctl")
	return &Client{http: cli}
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetError(&apiError{})
}

func mapHTTPError(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return nil
	}
	msg := http.StatusText(code)
	if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
		msg = e.Error
	}
	switch code {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrTooLarge, msg)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrUnprocessable, msg)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, msg)
	case http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", ErrInternalServer, msg)
	default:
		return fmt.Errorf("http %d: %s", code, msg)
	}
}

func download(resp *resty.Response) Download {
	d := Download{
		Blob:       resp.Body(),
		ArtifactID: resp.Header().Get(httpx.HeaderArtifactID),
		Digest:     resp.Header().Get(httpx.HeaderDigest),
	}
	if _, params, err := mime.ParseMediaType(resp.Header().Get("Content-Disposition")); err == nil {
		d.Name = params["filename"]
	}
	return d
}

// Train uploads a training CSV. name may be empty.
func (c *Client) Train(ctx context.Context, name string, csv []byte) (app.TrainResult, error) {
	var out app.TrainResult
	req := c.request(ctx).SetBody(csv).SetResult(&out).SetHeader("Content-Type", "text/csv")
	if name != "" {
		req.SetHeader(httpx.HeaderName, name)
	}
	resp, err := req.Post("/api/train")
	if err != nil {
		return app.TrainResult{}, fmt.Errorf("train request: %w", err)
	}
	if err := mapHTTPError(resp); err != nil {
		return app.TrainResult{}, err
	}
	return out, nil
}

// Predict scores csv and returns the protected predictions file.
func (c *Client) Predict(ctx context.Context, csv []byte, labeled bool) (Prediction, error) {
	resp, err := c.request(ctx).
		SetBody(csv).
		SetHeader("Content-Type", "text/csv").
		SetQueryParam("labeled", strconv.FormatBool(labeled)).
		Post("/api/predict")
	if err != nil {
		return Prediction{}, fmt.Errorf("predict request: %w", err)
	}
	if err := mapHTTPError(resp); err != nil {
		return Prediction{}, err
	}
	p := Prediction{Download: download(resp)}
	p.Rows, _ = strconv.Atoi(resp.Header().Get(httpx.HeaderRows))
	if v := resp.Header().Get(httpx.HeaderMSE); v != "" {
		mse, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Prediction{}, fmt.Errorf("predict parse mse: %w", err)
		}
		p.MSE = &mse
	}
	return p, nil
}

// ResetModel discards the server's trained model.
func (c *Client) ResetModel(ctx context.Context) error {
	resp, err := c.request(ctx).Post("/api/model/reset")
	if err != nil {
		return fmt.Errorf("reset request: %w", err)
	}
	return mapHTTPError(resp)
}

// Protect stores payload under name on the server and returns the protected
// copy. Zero retention lets the server choose.
func (c *Client) Protect(ctx context.Context, name string, payload []byte, retention time.Duration) (Download, error) {
	req := c.request(ctx).
		SetBody(payload).
		SetHeader("Content-Type", "application/octet-stream").
		SetHeader(httpx.HeaderName, name)
	if retention > 0 {
		req.SetHeader(httpx.HeaderRetention, retention.String())
	}
	resp, err := req.Post("/api/protect")
	if err != nil {
		return Download{}, fmt.Errorf("protect request: %w", err)
	}
	if err := mapHTTPError(resp); err != nil {
		return Download{}, err
	}
	return download(resp), nil
}

// Unprotect asks the server to open blob.
func (c *Client) Unprotect(ctx context.Context, blob []byte) (Unprotected, error) {
	resp, err := c.request(ctx).
		SetBody(blob).
		SetHeader("Content-Type", "application/octet-stream").
		Post("/api/unprotect")
	if err != nil {
		return Unprotected{}, fmt.Errorf("unprotect request: %w", err)
	}
	if err := mapHTTPError(resp); err != nil {
		return Unprotected{}, err
	}
	d := download(resp)
	u := Unprotected{Name: d.Name, Payload: d.Blob}
	if v := resp.Header().Get(httpx.HeaderExtraEntries); v != "" {
		u.Extras = strings.Split(v, ",")
	}
	return u, nil
}

// List returns the server's live artifacts, newest first.
func (c *Client) List(ctx context.Context) ([]app.ArtifactMeta, error) {
	var out []app.ArtifactMeta
	resp, err := c.request(ctx).SetResult(&out).Get("/api/artifacts")
	if err != nil {
		return nil, fmt.Errorf("list request: %w", err)
	}
	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}
	return out, nil
}

// Fetch downloads a stored artifact.
func (c *Client) Fetch(ctx context.Context, id string) (Download, error) {
	resp, err := c.request(ctx).SetPathParam("id", id).Get("/api/artifacts/{id}")
	if err != nil {
		return Download{}, fmt.Errorf("fetch request: %w", err)
	}
	if err := mapHTTPError(resp); err != nil {
		return Download{}, err
	}
	return download(resp), nil
}

// Delete removes a stored artifact.
func (c *Client) Delete(ctx context.Context, id string) error {
	resp, err := c.request(ctx).SetPathParam("id", id).Delete("/api/artifacts/{id}")
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	return mapHTTPError(resp)
}
