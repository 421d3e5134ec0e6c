package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"signalhub-go/internal/logger"
	"signalhub-go/internal/types"
)

type PublishResponse struct {
	Code   int    `json:"Code"`
	Status string `json:"Status"`
	Data   struct {
		MediaId          string `json:"MediaId"`
		Status           string `json:"Status"`
		Language         string `json:"Language"`
		TranscriptionURL string `json:"TranscriptionURL"`
		WordsCount       int    `json:"WordsCount"`
	} `json:"Data"`
	Reason   string `json:"Reason,omitempty"`
	UniqueId string `json:"UniqueId,omitempty"`
}

type StatusResponse struct {
	Code   int    `json:"Code"`
	Status string `json:"Status"`
	Data   struct {
		Status               string `json:"Status"`
		Language             string `json:"Language"`
		TranscriptionTextURL string `json:"TranscriptionTextURL"`
		WordsCount           int    `json:"WordsCount"`
	} `json:"Data"`
	Reason   string `json:"Reason,omitempty"`
	UniqueId string `json:"UniqueId,omitempty"`
}

// RemoteBackend sends audio to an HTTP transcription service: publish the
// file, poll until it is done, then download the transcript text.
type RemoteBackend struct {
	Host         string
	Client       *http.Client
	PollInterval time.Duration
	MaxPolls     int
	MaxElapsed   time.Duration
	log          *logger.Logger
}

func NewRemoteBackend(host string, log *logger.Logger) *RemoteBackend {
	if log == nil {
		log = logger.Discard()
	}
	return &RemoteBackend{
		Host:         strings.TrimRight(host, "/"),
		Client:       &http.Client{Timeout: 12 * time.Second},
		PollInterval: 1500 * time.Millisecond,
		MaxPolls:     40,
		MaxElapsed:   12 * time.Second,
		log:          log.Component("transcription.remote"),
	}
}

func (r *RemoteBackend) Name() string { return "remote" }

func (r *RemoteBackend) Load(context.Context) error {
	if r.Host == "" {
		return errors.New("TRANSCRIBE_URL not set")
	}
	if _, err := url.ParseRequestURI(r.Host); err != nil {
		return fmt.Errorf("invalid TRANSCRIBE_URL: %w", err)
	}
	return nil
}

func (r *RemoteBackend) Transcribe(ctx context.Context, path string, opts Options) (Output, error) {
	mediaID, existingURL, lang, err := r.publish(ctx, path, opts)
	if err != nil {
		return Output{}, err
	}
	textURL := existingURL
	if textURL == "" {
		textURL, lang, err = r.poll(ctx, mediaID, lang)
		if err != nil {
			return Output{}, err
		}
	}
	r.log.WithField("final_url", textURL).Info("download final transcript")
	text, err := r.download(ctx, textURL)
	if err != nil {
		return Output{}, err
	}
	if opts.Language != "" {
		lang = opts.Language
	}
	return Output{Text: strings.TrimSpace(text), Language: lang}, nil
}

func (r *RemoteBackend) publish(ctx context.Context, path string, opts Options) (string, string, string, error) {
	audio, err := os.ReadFile(path)
	if err != nil {
		return "", "", "", fmt.Errorf("read audio: %w", err)
	}
	endpoint := r.Host + "/transcribe"
	newReq := func() (*http.Request, error) {
		var b bytes.Buffer
		w := multipart.NewWriter(&b)
		part, err := w.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(audio); err != nil {
			return nil, err
		}
		_ = w.WriteField("task", opts.Task)
		if opts.Language != "" {
			_ = w.WriteField("language", opts.Language)
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &b)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		return req, nil
	}

	var resp PublishResponse
	if err := r.doJSON(ctx, newReq, &resp); err != nil {
		return "", "", "", err
	}
	if resp.Code != http.StatusOK {
		return "", "", "", fmt.Errorf("transcribe publish error: code=%d reason=%s", resp.Code, resp.Reason)
	}
	if resp.Data.TranscriptionURL != "" && strings.EqualFold(resp.Data.Status, "success") {
		return "", resp.Data.TranscriptionURL, resp.Data.Language, nil
	}
	return resp.Data.MediaId, "", resp.Data.Language, nil
}

func (r *RemoteBackend) poll(ctx context.Context, mediaID, lang string) (string, string, error) {
	u, err := url.Parse(r.Host + "/getstatus")
	if err != nil {
		return "", "", err
	}
	q := u.Query()
	q.Set("mediaId", mediaID)
	u.RawQuery = q.Encode()

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()
	for i := 0; i < r.MaxPolls; i++ {
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-ticker.C:
		}
		var s StatusResponse
		err := r.doJSON(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		}, &s)
		if err != nil {
			r.log.WithError(err).WithField("media_id", mediaID).Warn("status poll failed")
			continue
		}
		switch s.Data.Status {
		case "Success":
			if s.Data.Language != "" {
				lang = s.Data.Language
			}
			return s.Data.TranscriptionTextURL, lang, nil
		case "Queued", "Processing":
			continue
		case "Failed":
			return "", "", fmt.Errorf("transcription failed: %s", s.Reason)
		}
	}
	return "", "", &types.TransientError{Op: "transcription poll", Err: errors.New("transcription timeout")}
}

func (r *RemoteBackend) download(ctx context.Context, textURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, textURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("download failed: %s", string(b))
	}
	return string(b), nil
}

// doJSON retries 5xx responses, transport errors and undecodable bodies.
func (r *RemoteBackend) doJSON(ctx context.Context, newReq func() (*http.Request, error), target any) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = r.MaxElapsed
	var lastErr error
	op := func() error {
		req, err := newReq()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := r.Client.Do(req)
		if err != nil {
			lastErr = err
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: %s", string(body))
			return lastErr
		}
		if len(body) == 0 {
			lastErr = fmt.Errorf("empty body")
			return lastErr
		}
		if err := json.Unmarshal(body, target); err != nil {
			lastErr = fmt.Errorf("json decode error: %v body=%s", err, string(body))
			return lastErr
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if lastErr != nil {
			return &types.TransientError{Op: "transcription request", Err: lastErr}
		}
		return err
	}
	return nil
}
