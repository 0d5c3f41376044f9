package impl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/zks-assess/config"
	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

type generationClientImpl struct {
	config       *config.GeneratorConfig
	httpClient   *http.Client
	streamClient *http.Client // No total timeout, for SSE streaming
}

func NewGenerationClient(cfg *config.GeneratorConfig) services.GenerationClient {
	return &generationClientImpl{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		streamClient: &http.Client{
			// No Timeout: deltas flow incrementally, so a total timeout
			// would kill long-running generations. Connection-level timeouts
			// are handled by the default transport.
		},
	}
}

type generateMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generateRequest struct {
	Model       string            `json:"model"`
	Messages    []generateMessage `json:"messages"`
	Temperature float64           `json:"temperature"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Stream      bool              `json:"stream"`
}

type generateChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type generateResponse struct {
	Model   string           `json:"model"`
	Choices []generateChoice `json:"choices"`
}

type generateStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (s *generationClientImpl) ModelName() string {
	return s.config.Model
}

func (s *generationClientImpl) Generate(ctx context.Context, prompt string, opts services.GenerateOptions) (string, error) {
	resp, err := s.send(ctx, prompt, opts, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("failed to decode generation response: %w", err)
	}
	if len(genResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in generation response")
	}
	return genResp.Choices[0].Message.Content, nil
}

func (s *generationClientImpl) GenerateStream(ctx context.Context, prompt string, opts services.GenerateOptions) (<-chan services.GenerateDelta, error) {
	resp, err := s.send(ctx, prompt, opts, true)
	if err != nil {
		return nil, err
	}

	deltas := make(chan services.GenerateDelta, 16)
	go func() {
		defer close(deltas)
		defer resp.Body.Close()

		emit := func(d services.GenerateDelta) bool {
			select {
			case deltas <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		// SSE lines can be large
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				emit(services.GenerateDelta{Done: true})
				return
			}

			var chunk generateStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				log.Printf("[STREAM] Failed to parse SSE chunk: %v (data: %.100s)", err, data)
				continue
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					if !emit(services.GenerateDelta{Content: choice.Delta.Content}) {
						return
					}
				}
			}
		}

		if err := scanner.Err(); err != nil {
			emit(services.GenerateDelta{Err: fmt.Errorf("generation stream interrupted: %w", err)})
			return
		}
		// Stream ended without an explicit [DONE]; treat it as complete.
		emit(services.GenerateDelta{Done: true})
	}()

	return deltas, nil
}

// send issues the chat completion request with the shared retry policy and
// returns the raw response; the caller owns the body.
func (s *generationClientImpl) send(ctx context.Context, prompt string, opts services.GenerateOptions, streaming bool) (*http.Response, error) {
	request := generateRequest{
		Model:       s.config.Model,
		Messages:    buildMessages(prompt, opts.Language),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      streaming,
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generation request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/chat/completions", s.config.BaseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	client := s.httpClient
	if streaming {
		client = s.streamClient
	}

	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		resp, err = client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < s.config.MaxRetries {
				time.Sleep(time.Duration(attempt+1) * time.Second)
				req.Body = io.NopCloser(bytes.NewBuffer(jsonData))
				continue
			}
			break
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			retryable := resp.StatusCode == 429 || resp.StatusCode >= 500
			if retryable && attempt < s.config.MaxRetries {
				time.Sleep(time.Duration(attempt+1) * time.Second)
				req.Body = io.NopCloser(bytes.NewBuffer(jsonData))
				continue
			}
			if retryable {
				return nil, fmt.Errorf("generator returned status %d: %w", resp.StatusCode, models.ErrModelUnavailable)
			}
			return nil, fmt.Errorf("generator returned status %d: %s", resp.StatusCode, string(body))
		}

		return resp, nil
	}

	return nil, fmt.Errorf("generator unreachable after %d attempts: %v: %w", s.config.MaxRetries+1, lastErr, models.ErrModelUnavailable)
}

// buildMessages pins the answer language with a system message; the prompt
// itself is assembled upstream by the answer service.
func buildMessages(prompt, language string) []generateMessage {
	messages := make([]generateMessage, 0, 2)
	switch language {
	case "hr":
		messages = append(messages, generateMessage{Role: "system", Content: "Odgovaraj isključivo na hrvatskom jeziku."})
	case "en":
		messages = append(messages, generateMessage{Role: "system", Content: "Answer in English only."})
	}
	return append(messages, generateMessage{Role: "user", Content: prompt})
}
