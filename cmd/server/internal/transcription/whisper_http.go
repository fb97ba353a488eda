package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// WhisperHTTP implements Transcriber against a whisper-compatible HTTP
// service (go-whisper style REST API, multipart/form-data upload).
type WhisperHTTP struct {
	apiURL     string
	httpClient *http.Client
}

// NewWhisperHTTP creates a client for the given base URL. The HTTP client
// carries a 10-minute timeout: transcription time is roughly proportional to
// audio length and chunks can be minutes long.
func NewWhisperHTTP(apiURL string) *WhisperHTTP {
	return &WhisperHTTP{
		apiURL: apiURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// Transcribe uploads the audio file and parses the JSON transcription.
//
// API endpoint: POST {apiURL}/api/whisper/transcribe
func (w *WhisperHTTP) Transcribe(ctx context.Context, audioPath string, options *Options) (*Result, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open audio file: %v", ErrProvider, err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("audio", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("%w: create form file: %v", ErrProvider, err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("%w: copy file data: %v", ErrProvider, err)
	}

	model := "ggml-base"
	if options != nil && options.Model != "" {
		model = options.Model
	}
	if err := writer.WriteField("model", model); err != nil {
		return nil, fmt.Errorf("%w: write model field: %v", ErrProvider, err)
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return nil, fmt.Errorf("%w: write response_format field: %v", ErrProvider, err)
	}
	if options != nil && options.Language != "" {
		if err := writer.WriteField("language", options.Language); err != nil {
			return nil, fmt.Errorf("%w: write language field: %v", ErrProvider, err)
		}
	}
	if options != nil && options.Prompt != "" {
		if err := writer.WriteField("prompt", options.Prompt); err != nil {
			return nil, fmt.Errorf("%w: write prompt field: %v", ErrProvider, err)
		}
	}
	if options != nil && options.Temperature > 0 {
		if err := writer.WriteField("temperature", strconv.FormatFloat(options.Temperature, 'f', -1, 64)); err != nil {
			return nil, fmt.Errorf("%w: write temperature field: %v", ErrProvider, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("%w: close multipart writer: %v", ErrProvider, err)
	}

	endpoint := fmt.Sprintf("%s/api/whisper/transcribe", w.apiURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrProvider, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	if options != nil && options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		log.Printf("[WHISPER] status %d body: %s", resp.StatusCode, string(respBody))
		return nil, fmt.Errorf("%w: status %d: %s", ErrProvider, resp.StatusCode, string(respBody))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrProvider, err)
	}

	return &result, nil
}

// HealthCheck probes the models endpoint; 200 means the service can serve.
func (w *WhisperHTTP) HealthCheck(ctx context.Context) (bool, error) {
	endpoint := fmt.Sprintf("%s/api/whisper/model", w.apiURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("%w: create health check request: %v", ErrProvider, err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: health check request failed: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return true, nil
	}
	return false, fmt.Errorf("%w: health check status %d", ErrProvider, resp.StatusCode)
}

func (w *WhisperHTTP) Name() string {
	return "whisper-http"
}
