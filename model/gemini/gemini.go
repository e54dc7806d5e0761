// Package gemini implements model.Model on the Google Gen AI SDK.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/model"
	"google.golang.org/genai"
)

// DefaultModel is used when neither Options nor the request name a model.
const DefaultModel = "gemini-2.5-flash"

// Options configures the Gemini adapter.
type Options struct {
	Model           string
	Temperature     float64
	MaxOutputTokens int32
	APIKey          string
}

// Model wraps genai streaming generation behind model.Model.
type Model struct {
	client *genai.Client
	opts   Options
}

func defaultOptions() Options {
	return Options{Model: DefaultModel, Temperature: 0.7, MaxOutputTokens: 4096}
}

// NewModel creates a Model backed by the Gemini API.
func NewModel(ctx context.Context, optFns ...func(o *Options)) (*Model, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &Model{client: gc, opts: opts}, nil
}

// NewModelFromClient creates a Model from an existing client.
func NewModelFromClient(client *genai.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.opts.Model, Provider: "gemini"}
}

// Generate implements model.Model. Usage metadata is cumulative per chunk;
// the last non-nil value is reported.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		name := model.ModelName(req, m.opts.Model)
		contents := convertMessages(req.Messages)
		config := m.buildConfig(req)

		var (
			text   strings.Builder
			usage  *model.TokenUsage
			finish = "stop"
		)
		for resp, err := range m.client.Models.GenerateContentStream(ctx, name, contents, config) {
			if err != nil {
				errCh <- fmt.Errorf("gemini streaming error: %w", err)
				return
			}
			if resp.UsageMetadata != nil {
				usage = &model.TokenUsage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				}
			}
			if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
				finish = strings.ToLower(string(resp.Candidates[0].FinishReason))
			}
			delta := resp.Text()
			if delta == "" {
				continue
			}
			text.WriteString(delta)
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- model.Response{Text: delta, Partial: true}:
			}
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case out <- model.Response{Text: text.String(), FinishReason: finish, Usage: usage}:
		}
	}()

	return out, errCh
}

func (m *Model) buildConfig(req model.Request) *genai.GenerateContentConfig {
	maxTokens := m.opts.MaxOutputTokens
	if req.MaxTokens > 0 {
		maxTokens = int32(req.MaxTokens)
	}
	temp := m.opts.Temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: maxTokens,
		Temperature:     genai.Ptr(float32(temp)),
	}

	system := req.Instructions
	for _, msg := range req.Messages {
		if msg.Role == core.RoleSystem {
			system = strings.TrimSpace(system + "\n\n" + msg.Text())
		}
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	return config
}

func convertMessages(msgs []core.Message) []*genai.Content {
	result := make([]*genai.Content, 0, len(msgs))
	for _, msg := range msgs {
		role := genai.Role(genai.RoleUser)
		switch msg.Role {
		case core.RoleSystem:
			continue
		case core.RoleAssistant:
			role = genai.RoleModel
		}
		parts := convertParts(msg.Parts)
		if len(parts) == 0 {
			continue
		}
		result = append(result, genai.NewContentFromParts(parts, role))
	}
	return result
}

func convertParts(parts []core.Part) []*genai.Part {
	var out []*genai.Part
	for _, p := range parts {
		switch v := p.(type) {
		case core.TextPart:
			if v.Text != "" {
				out = append(out, genai.NewPartFromText(v.Text))
			}
		case core.BlobPart:
			if model.IsTextLike(v) {
				out = append(out, genai.NewPartFromText(model.InlineText(v)))
				continue
			}
			out = append(out, &genai.Part{InlineData: &genai.Blob{MIMEType: v.MimeType, Data: v.Data}})
		}
	}
	return out
}
