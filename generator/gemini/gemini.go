package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ronitervo/creditledger"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Generator is the Gemini API adapter.
type Generator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

var _ creditledger.Generator = (*Generator)(nil)

// Option configures the generator.
type Option func(*Generator)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(g *Generator) { g.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Generator) { g.httpClient = c }
}

// New creates a new Gemini generator for model.
func New(apiKey, model string, opts ...Option) *Generator {
	g := &Generator{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Model() string { return g.model }

// Gemini API types.
type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text    string `json:"text"`
	Thought bool   `json:"thought,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int64                 `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiThinkingConfig struct {
	ThinkingBudget  int64 `json:"thinkingBudget"`
	IncludeThoughts bool  `json:"includeThoughts"`
}

type geminiUsage struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int64 `json:"thoughtsTokenCount"`
	TotalTokenCount      int64 `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *geminiUsage `json:"usageMetadata"`
	ModelVersion  string       `json:"modelVersion"`
}

func (u *geminiUsage) usage() *creditledger.Usage {
	if u == nil || u.TotalTokenCount == 0 {
		return nil
	}
	return &creditledger.Usage{
		InputTokens:   u.PromptTokenCount,
		OutputTokens:  u.CandidatesTokenCount,
		ThoughtTokens: u.ThoughtsTokenCount,
	}
}

// split separates the thought and answer text of the first candidate.
func (r *geminiResponse) split() (thoughts, text string) {
	if len(r.Candidates) == 0 {
		return "", ""
	}
	var t, o strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		if part.Thought {
			t.WriteString(part.Text)
		} else {
			o.WriteString(part.Text)
		}
	}
	return t.String(), o.String()
}

func (g *Generator) Generate(ctx context.Context, req creditledger.GeneratorRequest) (creditledger.GeneratorResponse, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)

	httpResp, err := g.doRequest(ctx, url, buildRequest(req))
	if err != nil {
		return creditledger.GeneratorResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return creditledger.GeneratorResponse{}, err
	}

	var resp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return creditledger.GeneratorResponse{}, fmt.Errorf("creditledger/gemini: decode response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return creditledger.GeneratorResponse{}, fmt.Errorf("creditledger/gemini: empty candidates in response")
	}

	thoughts, text := resp.split()
	return creditledger.GeneratorResponse{
		Text:     text,
		Thoughts: thoughts,
		Usage:    resp.UsageMetadata.usage(),
	}, nil
}

func (g *Generator) GenerateStream(ctx context.Context, req creditledger.GeneratorRequest) (creditledger.GenerationStream, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", g.baseURL, g.model)

	httpResp, err := g.doRequest(ctx, url, buildRequest(req))
	if err != nil {
		return nil, err
	}

	if err := mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	return &geminiStream{
		reader: bufio.NewReader(httpResp.Body),
		body:   httpResp.Body,
	}, nil
}

func buildRequest(req creditledger.GeneratorRequest) geminiRequest {
	p := req.Payload

	parts := make([]geminiPart, 0, len(p.Context)+1)
	for _, c := range p.Context {
		parts = append(parts, geminiPart{Text: c})
	}
	parts = append(parts, geminiPart{Text: p.Prompt})

	gr := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
	}
	if p.SystemInstruction != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: p.SystemInstruction}}}
	}
	if req.MaxOutputTokens > 0 || req.ThinkingBudget > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxOutputTokens}
		if req.ThinkingBudget > 0 {
			gr.GenerationConfig.ThinkingConfig = &geminiThinkingConfig{
				ThinkingBudget:  req.ThinkingBudget,
				IncludeThoughts: true,
			}
		}
	}
	return gr
}

func (g *Generator) doRequest(ctx context.Context, url string, body geminiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("creditledger/gemini: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("creditledger/gemini: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", creditledger.ErrGeneratorUnavailable, err)
	}

	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return creditledger.ErrGeneratorRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return creditledger.ErrGeneratorAuth
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", creditledger.ErrGeneratorRequest, string(body))
	default:
		return fmt.Errorf("%w: status %d", creditledger.ErrGeneratorUnavailable, resp.StatusCode)
	}
}

type geminiStream struct {
	reader *bufio.Reader
	body   io.ReadCloser
}

func (s *geminiStream) Next() (creditledger.StreamChunk, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if errors.Is(err, io.EOF) && strings.TrimSpace(line) == "" {
			return creditledger.StreamChunk{}, io.EOF
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return creditledger.StreamChunk{}, fmt.Errorf("%w: read stream: %v", creditledger.ErrGeneratorUnavailable, err)
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var resp geminiResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &resp); err != nil {
			continue
		}

		thoughts, text := resp.split()
		return creditledger.StreamChunk{
			Thought: thoughts,
			Output:  text,
			Usage:   resp.UsageMetadata.usage(),
		}, nil
	}
}

func (s *geminiStream) Close() error {
	return s.body.Close()
}
