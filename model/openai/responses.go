package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

// buildResponseParams maps a request onto the Responses API with the
// file_search tool bound to the configured vector stores.
func (m *Model) buildResponseParams(req model.Request) responses.ResponseNewParams {
	name := model.ModelName(req, m.opts.Model)

	search := responses.ToolParamOfFileSearch(m.opts.VectorStoreIDs)
	if m.opts.MaxSearchResults > 0 {
		search.OfFileSearch.MaxNumResults = openai.Int(m.opts.MaxSearchResults)
	}

	params := responses.ResponseNewParams{
		Model: name,
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: buildInput(req)},
		Tools: []responses.ToolUnionParam{search},
	}
	if req.Instructions != "" {
		params.Instructions = openai.String(req.Instructions)
	}
	if maxTokens := m.maxTokens(req); maxTokens > 0 {
		params.MaxOutputTokens = openai.Int(maxTokens)
	}
	if model.IsReasoningModel(name) {
		effort, verbosity := tuning(req)
		params.Reasoning = shared.ReasoningParam{Effort: shared.ReasoningEffort(effort)}
		params.SetExtraFields(map[string]any{"text": map[string]any{"verbosity": verbosity}})
		return params
	}
	params.Temperature = openai.Float(m.temperature(req))
	return params
}

func buildInput(req model.Request) responses.ResponseInputParam {
	items := make(responses.ResponseInputParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case core.RoleSystem:
			items = append(items, responses.ResponseInputItemParamOfMessage(msg.Text(), responses.EasyInputMessageRoleSystem))
		case core.RoleAssistant:
			items = append(items, responses.ResponseInputItemParamOfMessage(msg.Text(), responses.EasyInputMessageRoleAssistant))
		default:
			items = append(items, responses.ResponseInputItemParamOfMessage(inputContent(msg), responses.EasyInputMessageRoleUser))
		}
	}
	return items
}

func inputContent(msg core.Message) responses.ResponseInputMessageContentListParam {
	content := make(responses.ResponseInputMessageContentListParam, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch v := p.(type) {
		case core.TextPart:
			if strings.TrimSpace(v.Text) != "" {
				content = append(content, responses.ResponseInputContentParamOfInputText(v.Text))
			}
		case core.BlobPart:
			switch {
			case v.IsImage():
				img := responses.ResponseInputContentParamOfInputImage(responses.ResponseInputImageDetailAuto)
				img.OfInputImage.ImageURL = openai.String(v.DataURL())
				content = append(content, img)
			case model.IsTextLike(v):
				content = append(content, responses.ResponseInputContentParamOfInputText(model.InlineText(v)))
			default:
				content = append(content, responses.ResponseInputContentUnionParam{OfInputFile: &responses.ResponseInputFileParam{
					FileData: openai.String(fmt.Sprintf("data:%s;base64,%s", v.MimeType, base64.StdEncoding.EncodeToString(v.Data))),
					Filename: openai.String(v.Filename),
				}})
			}
		}
	}
	return content
}

func (m *Model) streamResponses(ctx context.Context, params responses.ResponseNewParams, out chan<- model.Response) error {
	stream := m.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		text  strings.Builder
		final string
		usage *model.TokenUsage
	)
	for stream.Next() {
		ev := stream.Current()
		switch ev.Type {
		case "response.output_text.delta":
			delta := ev.AsResponseOutputTextDelta().Delta
			if delta == "" {
				continue
			}
			text.WriteString(delta)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- model.Response{Text: delta, Partial: true}:
			}
		case "response.completed":
			resp := ev.Response
			final = resp.OutputText()
			if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
				usage = &model.TokenUsage{
					PromptTokens:     int(resp.Usage.InputTokens),
					CompletionTokens: int(resp.Usage.OutputTokens),
				}
			}
		case "response.failed":
			return fmt.Errorf("openai response failed: %s", ev.Response.Error.Message)
		case "error":
			return fmt.Errorf("openai streaming error: %s", ev.Message)
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai streaming error: %w", err)
	}
	if final == "" {
		final = text.String()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- model.Response{Text: final, FinishReason: "stop", Usage: usage}:
	}
	return nil
}
