package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

type stubConfig struct {
	AccountID     string
	APIToken      string
	ReadyAfter    time.Duration
	FailSubstring string
	Logger        *slog.Logger
	clock         func() time.Time
}

type stubAsset struct {
	UID       string
	Name      string
	SourceURL string
	Meta      map[string]string
	Failed    bool
	CreatedAt time.Time
}

type stub struct {
	cfg    stubConfig
	mu     sync.Mutex
	assets map[string]*stubAsset
}

func newStub(cfg stubConfig) *stub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}
	return &stub{cfg: cfg, assets: make(map[string]*stubAsset)}
}

func (s *stub) HTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()
	prefix := fmt.Sprintf("/accounts/%s/stream", s.cfg.AccountID)
	mux.HandleFunc(prefix+"/copy", s.handleCopy)
	mux.HandleFunc(prefix+"/", s.handleDetails)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool           `json:"success"`
	Errors  []errorBody    `json:"errors"`
	Result  map[string]any `json:"result,omitempty"`
}

func (s *stub) handleCopy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, 10005, "method not allowed")
		return
	}
	if !s.authorized(r) {
		s.writeError(w, http.StatusForbidden, 10000, "authentication error")
		return
	}

	var req struct {
		URL                   string            `json:"url"`
		Meta                  map[string]string `json:"meta"`
		ThumbnailTimestampPct float64           `json:"thumbnailTimestampPct"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, 10006, "malformed request body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, http.StatusBadRequest, 10007, "url is required")
		return
	}

	asset := &stubAsset{
		UID:       newUID(),
		Name:      req.Meta["name"],
		SourceURL: req.URL,
		Meta:      req.Meta,
		CreatedAt: s.cfg.clock(),
	}
	if s.cfg.FailSubstring != "" && strings.Contains(asset.Name, s.cfg.FailSubstring) {
		asset.Failed = true
	}

	s.mu.Lock()
	s.assets[asset.UID] = asset
	s.mu.Unlock()

	s.cfg.Logger.Info("accepted copy request", "uid", asset.UID, "name", asset.Name, "source_url", asset.SourceURL)
	s.writeResult(w, s.resultFor(asset))
}

func (s *stub) handleDetails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, 10005, "method not allowed")
		return
	}
	if !s.authorized(r) {
		s.writeError(w, http.StatusForbidden, 10000, "authentication error")
		return
	}

	prefix := fmt.Sprintf("/accounts/%s/stream/", s.cfg.AccountID)
	uid := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	s.mu.Lock()
	asset, ok := s.assets[uid]
	s.mu.Unlock()
	if !ok {
		s.writeError(w, http.StatusNotFound, 10003, fmt.Sprintf("asset %s not found", uid))
		return
	}
	s.writeResult(w, s.resultFor(asset))
}

// resultFor reports the asset as queued until ReadyAfter has elapsed since
// the copy request, mirroring how the real provider transitions states.
func (s *stub) resultFor(asset *stubAsset) map[string]any {
	elapsed := s.cfg.clock().Sub(asset.CreatedAt)
	state := "inprogress"
	ready := false
	switch {
	case asset.Failed:
		state = "error"
	case elapsed >= s.cfg.ReadyAfter:
		state = "ready"
		ready = true
	case elapsed < s.cfg.ReadyAfter/2:
		state = "queued"
	}

	status := map[string]any{"state": state}
	if asset.Failed {
		status["errReasonCode"] = "ERR_TRANSCODE_FAILED"
		status["errReasonText"] = "simulated transcode failure"
	}
	result := map[string]any{
		"uid":           asset.UID,
		"readyToStream": ready,
		"status":        status,
		"meta":          asset.Meta,
	}
	if ready {
		result["duration"] = 42.5
		result["thumbnail"] = fmt.Sprintf("https://stub.local/%s/thumbnail.jpg", asset.UID)
		result["playback"] = map[string]any{
			"hls":  fmt.Sprintf("https://stub.local/%s/manifest/video.m3u8", asset.UID),
			"dash": fmt.Sprintf("https://stub.local/%s/manifest/video.mpd", asset.UID),
		}
		result["input"] = map[string]any{"width": 1920, "height": 1080}
	}
	return result
}

func (s *stub) authorized(r *http.Request) bool {
	if s.cfg.APIToken == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	return len(parts) == 2 && strings.EqualFold(parts[0], "bearer") && parts[1] == s.cfg.APIToken
}

func (s *stub) writeResult(w http.ResponseWriter, result map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Result: result})
}

func (s *stub) writeError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Errors: []errorBody{{Code: code, Message: message}}})
}

func newUID() string {
	var buffer [16]byte
	if _, err := rand.Read(buffer[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buffer[:])
}
