package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/camtrap/internal/httputil"
	"github.com/banshee-data/camtrap/internal/timeutil"
)

const healthCacheTTL = 30 * time.Second

// detectResponse is the body returned by a YOLO-style /detect endpoint.
type detectResponse struct {
	Detections      []Object `json:"detections"`
	Count           int      `json:"count"`
	InferenceTimeMs float64  `json:"inference_time_ms"`
	Device          string   `json:"device"`
}

// HealthResponse is the body of the service /health endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	Device      string `json:"device"`
	ModelLoaded bool   `json:"model_loaded"`
}

// HTTPDetector uploads frames as multipart JPEG to a detection service.
type HTTPDetector struct {
	endpoint string
	client   httputil.HTTPClient
	quality  int
	clock    timeutil.Clock

	mu          sync.Mutex
	healthyAt   time.Time
	unavailable bool
}

// NewHTTPDetector returns a detector for the service at endpoint, e.g.
// "http://localhost:8000". A nil client uses an *http.Client with a 15s
// timeout. Per-request deadlines come from the caller's context.
func NewHTTPDetector(endpoint string, client httputil.HTTPClient) *HTTPDetector {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPDetector{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
		quality:  90,
		clock:    timeutil.RealClock{},
	}
}

// Health queries the service health endpoint.
func (d *HTTPDetector) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: health check returned status %d", ErrUnavailable, resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}

// IsHealthy reports whether the service has its model loaded. Positive
// results are cached for 30 seconds.
func (d *HTTPDetector) IsHealthy(ctx context.Context) bool {
	d.mu.Lock()
	if !d.unavailable && !d.healthyAt.IsZero() && d.clock.Since(d.healthyAt) < healthCacheTTL {
		d.mu.Unlock()
		return true
	}
	d.mu.Unlock()

	health, err := d.Health(ctx)
	ok := err == nil && health.ModelLoaded

	d.mu.Lock()
	defer d.mu.Unlock()
	d.unavailable = !ok
	if ok {
		d.healthyAt = d.clock.Now()
	}
	return ok
}

// Detect uploads buf and classifies the returned objects.
func (d *HTTPDetector) Detect(ctx context.Context, buf PixelBuffer) (Detection, error) {
	if buf.Image == nil {
		return Detection{}, fmt.Errorf("empty pixel buffer")
	}
	if !d.IsHealthy(ctx) {
		return Detection{}, ErrUnavailable
	}
	img, err := EncodeJPEG(buf.Image, d.quality)
	if err != nil {
		return Detection{}, fmt.Errorf("failed to encode frame: %w", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return Detection{}, err
	}
	if _, err := fw.Write(img); err != nil {
		return Detection{}, err
	}
	if err := w.Close(); err != nil {
		return Detection{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect", &body)
	if err != nil {
		return Detection{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		d.mu.Lock()
		d.unavailable = true
		d.mu.Unlock()
		return Detection{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Detection{}, fmt.Errorf("detection failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var result detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Detection{}, fmt.Errorf("failed to decode detection response: %w", err)
	}
	return Classify(result.Detections), nil
}
