// Package embed calls the configured embedding endpoint over HTTP. Two wire
// shapes exist in the field and are selected by configuration: a batch
// protocol that embeds a slice of texts per request, and a one-by-one
// protocol that embeds a single sentence per request.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/coursekb/coursekb/engine/domain"
)

// Protocol names accepted by New.
const (
	ProtocolBatch    = "batch"
	ProtocolOneByOne = "one-by-one"
)

// Client embeds text batches against a remote model endpoint.
type Client struct {
	url      string
	key      string
	model    string
	protocol string
	maxChars int
	http     *http.Client
}

// New creates an embedding client. maxChars truncates each text before
// submission to bound request payloads; 0 disables truncation.
func New(url, key, model, protocol string, maxChars int, timeout time.Duration) *Client {
	return &Client{
		url:      url,
		key:      key,
		model:    model,
		protocol: protocol,
		maxChars: maxChars,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Embed returns one vector per input text, in order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	truncated := make([]string, len(texts))
	for i, t := range texts {
		if c.maxChars > 0 && len(t) > c.maxChars {
			// Back up to a rune boundary so the cut never tears a character.
			cut := c.maxChars
			for cut > 0 && !utf8.RuneStart(t[cut]) {
				cut--
			}
			t = t[:cut]
		}
		truncated[i] = t
	}
	if c.protocol == ProtocolOneByOne {
		return c.embedOneByOne(ctx, truncated)
	}
	return c.embedBatch(ctx, truncated)
}

type batchRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type batchResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var resp batchResponse
	if err := c.post(ctx, batchRequest{Model: c.model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", domain.ErrEmbedding, len(resp.Data), len(texts))
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

type singleRequest struct {
	Model    string `json:"model"`
	Sentence string `json:"sentence"`
}

type singleResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (c *Client) embedOneByOne(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		var resp singleResponse
		if err := c.post(ctx, singleRequest{Model: c.model, Sentence: t}, &resp); err != nil {
			return nil, err
		}
		out[i] = resp.Embedding
	}
	return out, nil
}

// post sends one JSON request and decodes the response. Non-200 statuses
// surface the body to aid diagnosis.
func (c *Client) post(ctx context.Context, payload, into any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("embed: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("embed: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEmbedding, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: status %d: %s", domain.ErrEmbedding, resp.StatusCode, bytes.TrimSpace(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("%w: decode: %v", domain.ErrEmbedding, err)
	}
	return nil
}
