package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/tailormesh/core"
)

// Request is the normalized model input.
type Request struct {
	// Model overrides the provider's default model id when set.
	Model        string
	Instructions string
	// Messages is the conversation in order; the last entry is the new user
	// turn. User messages may carry core.BlobPart attachments.
	Messages    []core.Message
	MaxTokens   int
	Temperature *float64

	// ReasoningEffort and Verbosity tune reasoning models. Adapters ignore
	// them for models that do not reason.
	ReasoningEffort string
	Verbosity       string
}

// Reasoning effort and verbosity levels accepted by Validate.
const (
	EffortMinimal = "minimal"
	EffortLow     = "low"
	EffortMedium  = "medium"
	EffortHigh    = "high"

	VerbosityLow    = "low"
	VerbosityMedium = "medium"
	VerbosityHigh   = "high"
)

// ValidateTuning checks reasoning effort and verbosity. Empty values are
// valid and mean provider defaults.
func ValidateTuning(effort, verbosity string) error {
	switch effort {
	case "", EffortMinimal, EffortLow, EffortMedium, EffortHigh:
	default:
		return fmt.Errorf("reasoning effort %q: %w", effort, core.ErrInvalidRequest)
	}
	switch verbosity {
	case "", VerbosityLow, VerbosityMedium, VerbosityHigh:
	default:
		return fmt.Errorf("verbosity %q: %w", verbosity, core.ErrInvalidRequest)
	}
	return nil
}

// IsReasoningModel reports whether name belongs to the GPT-5 family, which
// takes reasoning effort and verbosity instead of a temperature.
func IsReasoningModel(name string) bool {
	return strings.HasPrefix(name, "gpt-5")
}

// LastUserText returns the text of the final user message.
func (r Request) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == core.RoleUser {
			return r.Messages[i].Text()
		}
	}
	return ""
}

// TokenUsage is the usage a provider reported for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// TotalTokens returns prompt plus completion tokens.
func (u TokenUsage) TotalTokens() int { return u.PromptTokens + u.CompletionTokens }

// Response is one chunk of a streaming generation. Partial chunks carry a
// text delta; the final chunk (Partial false) carries the full text, the
// finish reason and usage when the provider reported it.
type Response struct {
	Text         string      `json:"text"`
	Partial      bool        `json:"partial"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info describes a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Model is the interface every provider adapter implements.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)
	Info() Info
}

// ModelName returns req.Model or the fallback.
func ModelName(req Request, fallback string) string {
	if req.Model != "" {
		return req.Model
	}
	return fallback
}

// InlineText renders a text-like blob as a fenced block so providers without
// native document support still see its content.
func InlineText(b core.BlobPart) string {
	var sb strings.Builder
	sb.WriteString("Attached file ")
	sb.WriteString(b.Filename)
	sb.WriteString(":\n```\n")
	sb.Write(b.Data)
	sb.WriteString("\n```")
	return sb.String()
}

// IsTextLike reports whether the blob can be passed to a model as plain text.
func IsTextLike(b core.BlobPart) bool {
	return strings.HasPrefix(b.MimeType, "text/") || b.MimeType == "application/json"
}
