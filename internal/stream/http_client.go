package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultThumbnailTimestampPct = 0.1

// Config wires an HTTPClient to a provider account.
type Config struct {
	BaseURL    string
	AccountID  string
	APIToken   string
	HTTPClient *http.Client
}

// HTTPClient implements Client against the provider's REST API.
type HTTPClient struct {
	cfg Config
}

// NewHTTPClient validates the account wiring and returns a ready client.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" || strings.TrimSpace(cfg.AccountID) == "" {
		return nil, fmt.Errorf("stream client requires base URL and account id")
	}
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, fmt.Errorf("stream client requires an API token")
	}
	return &HTTPClient{cfg: cfg}, nil
}

type copyRequest struct {
	URL                   string            `json:"url"`
	Meta                  map[string]string `json:"meta,omitempty"`
	ThumbnailTimestampPct float64           `json:"thumbnailTimestampPct"`
}

type apiEnvelope struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result assetResult `json:"result"`
}

type assetResult struct {
	UID           string  `json:"uid"`
	ReadyToStream bool    `json:"readyToStream"`
	Thumbnail     string  `json:"thumbnail"`
	Duration      float64 `json:"duration"`
	Playback      struct {
		HLS  string `json:"hls"`
		DASH string `json:"dash"`
	} `json:"playback"`
	Status struct {
		State         string `json:"state"`
		ErrReasonCode string `json:"errReasonCode"`
		ErrReasonText string `json:"errReasonText"`
	} `json:"status"`
	Input struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"input"`
}

// Ingest instructs the provider to pull the source URL and start transcoding.
func (c *HTTPClient) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if strings.TrimSpace(req.SourceURL) == "" {
		return IngestResult{}, fmt.Errorf("ingest requires a source URL")
	}
	pct := req.ThumbnailTimestampPct
	if pct <= 0 || pct > 1 {
		pct = defaultThumbnailTimestampPct
	}
	meta := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.Name != "" {
		meta["name"] = req.Name
	}
	payload := copyRequest{URL: req.SourceURL, Meta: meta, ThumbnailTimestampPct: pct}

	var envelope apiEnvelope
	if err := c.do(ctx, http.MethodPost, c.accountURL("/stream/copy"), payload, &envelope); err != nil {
		return IngestResult{}, err
	}
	if envelope.Result.UID == "" {
		return IngestResult{}, fmt.Errorf("stream api: ingest response missing uid")
	}
	return IngestResult{
		UID:          envelope.Result.UID,
		PlaybackURL:  envelope.Result.Playback.HLS,
		ThumbnailURL: envelope.Result.Thumbnail,
	}, nil
}

// Details fetches the provider's current state for an ingested asset.
func (c *HTTPClient) Details(ctx context.Context, uid string) (Details, error) {
	if strings.TrimSpace(uid) == "" {
		return Details{}, fmt.Errorf("details requires an asset uid")
	}
	var envelope apiEnvelope
	if err := c.do(ctx, http.MethodGet, c.accountURL("/stream/"+uid), nil, &envelope); err != nil {
		return Details{}, err
	}
	result := envelope.Result
	return Details{
		UID:             result.UID,
		Ready:           result.ReadyToStream,
		State:           result.Status.State,
		DurationSeconds: result.Duration,
		PlaybackURL:     result.Playback.HLS,
		ThumbnailURL:    result.Thumbnail,
		Width:           result.Input.Width,
		Height:          result.Input.Height,
		ErrorCode:       result.Status.ErrReasonCode,
		ErrorMessage:    result.Status.ErrReasonText,
	}, nil
}

// Await polls Details until the asset becomes playable, fails, or the context
// expires. A context deadline surfaces as ErrNotReady so callers can retry
// the job later.
func Await(ctx context.Context, client Client, uid string, poll time.Duration) (Details, error) {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		details, err := client.Details(ctx, uid)
		if err != nil {
			return Details{}, err
		}
		if details.Failed() {
			return details, &APIError{
				StatusCode: http.StatusUnprocessableEntity,
				Message:    fmt.Sprintf("transcode failed (%s): %s", details.ErrorCode, details.ErrorMessage),
			}
		}
		if details.Ready {
			return details, nil
		}
		select {
		case <-ctx.Done():
			return details, fmt.Errorf("await %s: %w", uid, ErrNotReady)
		case <-ticker.C:
		}
	}
}

func (c *HTTPClient) accountURL(suffix string) string {
	return fmt.Sprintf("%s/accounts/%s%s", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.AccountID, suffix)
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.cfg.HTTPClient != nil {
		return c.cfg.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *HTTPClient) do(ctx context.Context, method, url string, payload interface{}, dest *apiEnvelope) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("stream api request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read stream api response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope apiEnvelope
		if jsonErr := json.Unmarshal(data, &envelope); jsonErr == nil && len(envelope.Errors) > 0 {
			apiErr.Code = envelope.Errors[0].Code
			apiErr.Message = envelope.Errors[0].Message
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode stream api response: %w", err)
	}
	if !dest.Success && len(dest.Errors) > 0 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       dest.Errors[0].Code,
			Message:    dest.Errors[0].Message,
		}
	}
	return nil
}
