// Package openai implements model.Model on the OpenAI Chat Completions API
// with streaming and usage reporting. When vector stores are configured the
// Responses API is used instead so the model can search them with the hosted
// file_search tool.
package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when neither Options nor the request name a model.
const DefaultModel = "gpt-4.1-mini-2025-04-14"

// Options configure the OpenAI adapter.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
	BaseURL             string

	// VectorStoreIDs enables file search over these stores.
	VectorStoreIDs []string
	// MaxSearchResults caps file search hits per call; zero uses the API default.
	MaxSearchResults int64
}

// Model wraps the OpenAI Chat Completions API behind model.Model.
type Model struct {
	client *openai.Client
	opts   Options
}

func defaultOptions() Options {
	return Options{Model: DefaultModel, Temperature: 0.7, MaxCompletionTokens: 4096}
}

// NewModel creates a Model with its own client. APIKey falls back to the
// OPENAI_API_KEY environment variable inside the SDK.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)
	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a Model from an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.opts.Model, Provider: "openai"}
}

// Generate implements model.Model. Usage is requested with stream options
// and attached to the final response.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		var err error
		if len(m.opts.VectorStoreIDs) > 0 {
			err = m.streamResponses(ctx, m.buildResponseParams(req), out)
		} else {
			err = m.stream(ctx, m.buildParams(req), out)
		}
		if err != nil {
			errCh <- err
		}
	}()
	return out, errCh
}

func (m *Model) buildParams(req model.Request) openai.ChatCompletionNewParams {
	name := model.ModelName(req, m.opts.Model)
	params := openai.ChatCompletionNewParams{
		Messages:      buildMessages(req),
		Model:         name,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)},
	}
	if maxTokens := m.maxTokens(req); maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(maxTokens)
	}
	if model.IsReasoningModel(name) {
		effort, verbosity := tuning(req)
		params.ReasoningEffort = openai.ReasoningEffort(effort)
		params.SetExtraFields(map[string]any{"verbosity": verbosity})
		return params
	}
	params.Temperature = openai.Float(m.temperature(req))
	return params
}

func (m *Model) temperature(req model.Request) float64 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	return m.opts.Temperature
}

func (m *Model) maxTokens(req model.Request) int64 {
	if req.MaxTokens > 0 {
		return int64(req.MaxTokens)
	}
	return m.opts.MaxCompletionTokens
}

// tuning returns the reasoning settings for a GPT-5 call, defaulting to
// minimal effort and medium verbosity.
func tuning(req model.Request) (effort, verbosity string) {
	effort, verbosity = req.ReasoningEffort, req.Verbosity
	if effort == "" {
		effort = model.EffortMinimal
	}
	if verbosity == "" {
		verbosity = model.VerbosityMedium
	}
	return effort, verbosity
}

func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Text()))
		case core.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Text()))
		default:
			messages = append(messages, userMessage(msg))
		}
	}
	return messages
}

// userMessage maps text and attachment parts. Images become image parts,
// text files are inlined and everything else is sent as file data.
func userMessage(msg core.Message) openai.ChatCompletionMessageParamUnion {
	hasBlob := false
	for _, p := range msg.Parts {
		if _, ok := p.(core.BlobPart); ok {
			hasBlob = true
			break
		}
	}
	if !hasBlob {
		return openai.UserMessage(msg.Text())
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch v := p.(type) {
		case core.TextPart:
			if strings.TrimSpace(v.Text) != "" {
				parts = append(parts, openai.TextContentPart(v.Text))
			}
		case core.BlobPart:
			switch {
			case v.IsImage():
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL:    v.DataURL(),
					Detail: "auto",
				}))
			case model.IsTextLike(v):
				parts = append(parts, openai.TextContentPart(model.InlineText(v)))
			default:
				parts = append(parts, openai.FileContentPart(openai.ChatCompletionContentPartFileFileParam{
					FileData: openai.String(fmt.Sprintf("data:%s;base64,%s", v.MimeType, base64.StdEncoding.EncodeToString(v.Data))),
					Filename: openai.String(v.Filename),
				}))
			}
		}
	}
	return openai.UserMessage(parts)
}

func (m *Model) stream(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- model.Response) error {
	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		text   strings.Builder
		finish string
		usage  *model.TokenUsage
	)
	for stream.Next() {
		ck := stream.Current()
		if ck.Usage.PromptTokens > 0 || ck.Usage.CompletionTokens > 0 {
			usage = &model.TokenUsage{
				PromptTokens:     int(ck.Usage.PromptTokens),
				CompletionTokens: int(ck.Usage.CompletionTokens),
			}
		}
		for _, ch := range ck.Choices {
			if ch.FinishReason != "" {
				finish = ch.FinishReason
			}
			if ch.Delta.Content == "" {
				continue
			}
			text.WriteString(ch.Delta.Content)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- model.Response{Text: ch.Delta.Content, Partial: true}:
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai streaming error: %w", err)
	}
	if finish == "" {
		finish = "stop"
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- model.Response{Text: text.String(), FinishReason: finish, Usage: usage}:
	}
	return nil
}
