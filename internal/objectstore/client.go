package objectstore

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultPresignExpiry  = time.Hour
	// DefaultPartSize is the part size advertised to upload clients.
	DefaultPartSize = int64(10 * 1024 * 1024)
)

// Config carries the connection settings for an S3-compatible bucket.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	PublicEndpoint string
	RequestTimeout time.Duration
	PresignExpiry  time.Duration
}

func (cfg Config) requestTimeout() time.Duration {
	if cfg.RequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return cfg.RequestTimeout
}

func (cfg Config) presignExpiry() time.Duration {
	if cfg.PresignExpiry <= 0 {
		return defaultPresignExpiry
	}
	return cfg.PresignExpiry
}

// CompletedPart pairs an uploaded part number with the ETag returned by the
// bucket for that part.
type CompletedPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// Client talks to an S3-compatible object store using SigV4 request signing.
// It covers the multipart upload lifecycle plus presigned part and download
// URLs.
type Client struct {
	cfg        Config
	endpoint   *url.URL
	httpClient *http.Client
	now        func() time.Time
}

// New validates the configuration and constructs a Client. Endpoint, bucket,
// and both credential halves are required since every operation signs its
// requests.
func New(cfg Config) (*Client, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if bucket == "" || endpoint == "" {
		return nil, fmt.Errorf("object store requires bucket and endpoint")
	}
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("object store requires access credentials")
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse object store endpoint: %w", err)
		}
		if parsed.Scheme != "" {
			scheme = parsed.Scheme
		}
		endpoint = parsed.Host
	}
	base := &url.URL{Scheme: scheme, Host: endpoint}
	if base.Host == "" {
		return nil, fmt.Errorf("object store endpoint %q has no host", cfg.Endpoint)
	}
	sanitized := cfg
	sanitized.Bucket = bucket
	return &Client{
		cfg:        sanitized,
		endpoint:   base,
		httpClient: &http.Client{Timeout: sanitized.requestTimeout()},
		now:        time.Now,
	}, nil
}

// Bucket reports the configured bucket name.
func (c *Client) Bucket() string { return c.cfg.Bucket }

type initiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

type completeMultipartUploadRequest struct {
	XMLName xml.Name        `xml:"CompleteMultipartUpload"`
	Parts   []CompletedPart `xml:"Part"`
}

type completeMultipartUploadResult struct {
	XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

// CreateMultipartUpload initiates a multipart upload for the given key and
// returns the provider-assigned upload handle.
func (c *Client) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	target := c.objectURL(key)
	target.RawQuery = "uploads="
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create multipart init request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	c.signRequest(request, emptyPayloadHash)
	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("initiate multipart upload %s: %w", key, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", fmt.Errorf("initiate multipart upload %s: unexpected status %d", key, response.StatusCode)
	}
	var result initiateMultipartUploadResult
	if err := xml.NewDecoder(response.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode multipart init response: %w", err)
	}
	if strings.TrimSpace(result.UploadID) == "" {
		return "", fmt.Errorf("initiate multipart upload %s: empty upload id", key)
	}
	return result.UploadID, nil
}

// PresignPartUpload returns a presigned PUT URL for one part of an in-flight
// multipart upload. The payload stays unsigned so browsers can stream the
// part directly.
func (c *Client) PresignPartUpload(key, uploadID string, partNumber int) (string, error) {
	if partNumber < 1 {
		return "", fmt.Errorf("part number %d out of range", partNumber)
	}
	query := url.Values{}
	query.Set("partNumber", strconv.Itoa(partNumber))
	query.Set("uploadId", uploadID)
	return c.presign(http.MethodPut, key, query, c.cfg.presignExpiry())
}

// PresignDownload returns a presigned GET URL for a stored object.
func (c *Client) PresignDownload(key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = c.cfg.presignExpiry()
	}
	return c.presign(http.MethodGet, key, url.Values{}, expiry)
}

// CompleteMultipartUpload finalizes a multipart upload with the ordered part
// manifest and returns the location reported by the bucket.
func (c *Client) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("complete multipart upload %s: no parts supplied", key)
	}
	body, err := xml.Marshal(completeMultipartUploadRequest{Parts: parts})
	if err != nil {
		return "", fmt.Errorf("encode multipart completion: %w", err)
	}
	payload := append([]byte(xml.Header), body...)
	target := c.objectURL(key)
	query := url.Values{}
	query.Set("uploadId", uploadID)
	target.RawQuery = query.Encode()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create multipart completion request: %w", err)
	}
	request.Header.Set("Content-Type", "application/xml")
	c.signRequest(request, hashSHA256Hex(payload))
	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("complete multipart upload %s: %w", key, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", fmt.Errorf("complete multipart upload %s: unexpected status %d", key, response.StatusCode)
	}
	var result completeMultipartUploadResult
	if err := xml.NewDecoder(response.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode multipart completion response: %w", err)
	}
	if result.Location != "" {
		return result.Location, nil
	}
	return c.objectURL(key).String(), nil
}

// AbortMultipartUpload discards an in-flight multipart upload so the bucket
// can reclaim its parts.
func (c *Client) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	target := c.objectURL(key)
	query := url.Values{}
	query.Set("uploadId", uploadID)
	target.RawQuery = query.Encode()
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, target.String(), nil)
	if err != nil {
		return fmt.Errorf("create multipart abort request: %w", err)
	}
	c.signRequest(request, emptyPayloadHash)
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("abort multipart upload %s: %w", key, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("abort multipart upload %s: unexpected status %d", key, response.StatusCode)
}

// DeleteObject removes a stored object.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	target := c.objectURL(key)
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, target.String(), nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	c.signRequest(request, emptyPayloadHash)
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode >= 200 && response.StatusCode < 300 || response.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("delete object %s: unexpected status %d", key, response.StatusCode)
}

// PublicURL builds the externally reachable URL for a stored object when a
// public endpoint is configured, falling back to empty.
func (c *Client) PublicURL(key string) string {
	base := strings.TrimSpace(c.cfg.PublicEndpoint)
	if base == "" {
		return ""
	}
	trimmedBase := strings.TrimRight(base, "/")
	trimmedKey := strings.TrimLeft(key, "/")
	if trimmedKey == "" {
		return trimmedBase
	}
	return trimmedBase + "/" + trimmedKey
}

func (c *Client) objectURL(key string) *url.URL {
	basePath := strings.TrimRight(c.endpoint.Path, "/")
	path := "/" + strings.TrimLeft(c.cfg.Bucket, "/")
	trimmedKey := strings.TrimLeft(key, "/")
	if trimmedKey != "" {
		path += "/" + trimmedKey
	}
	if basePath != "" {
		path = basePath + path
	}
	u := *c.endpoint
	u.Path = path
	return &u
}
