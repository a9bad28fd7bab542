package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrTransport is a network failure or 5xx from the workflow, after retries.
	ErrTransport = errors.New("dispatch: workflow transport error")
	// ErrRejected is a 4xx from the workflow. It is not retried.
	ErrRejected = errors.New("dispatch: workflow rejected submission")
)

// Submission is one outbound multipart POST.
type Submission struct {
	CallID     int64
	WebhookURL string
	FileName   string
	File       []byte
}

// ClientConfig configures WorkflowClient.
type ClientConfig struct {
	URL string

	// AttemptTimeout bounds each HTTP attempt. Default 15s.
	AttemptTimeout time.Duration
	// MaxElapsed bounds the whole retry sequence. Default 2m.
	MaxElapsed time.Duration

	HTTPClient *http.Client
}

// WorkflowClient submits recordings to the external analysis workflow.
type WorkflowClient struct {
	url            string
	http           *http.Client
	attemptTimeout time.Duration
	newBackOff     func() backoff.BackOff
}

func NewWorkflowClient(cfg ClientConfig) *WorkflowClient {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 15 * time.Second
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 2 * time.Minute
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	maxElapsed := cfg.MaxElapsed
	return &WorkflowClient{
		url:            cfg.URL,
		http:           hc,
		attemptTimeout: cfg.AttemptTimeout,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxElapsedTime = maxElapsed
			return bo
		},
	}
}

// Submit posts s with fields file, callId and webhookUrl. Any 2xx is
// acceptance and the body is ignored. It returns the number of attempts made.
func (c *WorkflowClient) Submit(ctx context.Context, s Submission) (int, error) {
	body, contentType, err := encodeMultipart(s)
	if err != nil {
		return 0, fmt.Errorf("encode submission: %w", err)
	}

	attempts := 0
	op := func() error {
		attempts++
		return c.post(ctx, body, contentType)
	}
	if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		if errors.Is(err, ErrRejected) {
			return attempts, err
		}
		return attempts, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return attempts, nil
}

func (c *WorkflowClient) post(ctx context.Context, body []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("workflow status %d: %s", resp.StatusCode, snippet)
	default:
		return backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, snippet))
	}
}

func encodeMultipart(s Submission) ([]byte, string, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	name := s.FileName
	if name == "" {
		name = "recording"
	}
	fw, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(s.File); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("callId", strconv.FormatInt(s.CallID, 10)); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("webhookUrl", s.WebhookURL); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return b.Bytes(), w.FormDataContentType(), nil
}
