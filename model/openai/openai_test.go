package openai

import (
	"encoding/json"
	"testing"

	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildParams(t *testing.T) {
	m := NewModel(func(o *Options) { o.APIKey = "test" })
	temp := 0.2
	req := model.Request{
		Model:        "gpt-5-mini",
		Instructions: "be helpful",
		Temperature:  &temp,
		MaxTokens:    100,
		Messages: []core.Message{
			core.NewTextMessage(core.RoleUser, "hi"),
			core.NewTextMessage(core.RoleAssistant, "hello"),
			{Role: core.RoleUser, Parts: []core.Part{
				core.TextPart{Text: "see attached"},
				core.BlobPart{Filename: "a.png", MimeType: "image/png", Data: []byte{1, 2}},
				core.BlobPart{Filename: "notes.txt", MimeType: "text/plain", Data: []byte("abc")},
				core.BlobPart{Filename: "lab.pdf", MimeType: "application/pdf", Data: []byte("%PDF")},
			}},
		},
	}

	params := m.buildParams(req)
	assert.Equal(t, "gpt-5-mini", params.Model)
	require.Len(t, params.Messages, 4)

	raw, err := json.Marshal(params)
	require.NoError(t, err)
	s := string(raw)
	assert.Contains(t, s, `"include_usage":true`)
	assert.Contains(t, s, `"max_completion_tokens":100`)
	assert.Contains(t, s, `data:image/png;base64,AQI=`)
	assert.Contains(t, s, "Attached file notes.txt")
	assert.Contains(t, s, `"filename":"lab.pdf"`)
	assert.Contains(t, s, `"be helpful"`)
}

func TestBuildParams_ReasoningModel(t *testing.T) {
	m := NewModel(func(o *Options) { o.APIKey = "test" })

	raw, err := json.Marshal(m.buildParams(model.Request{Model: "gpt-5-mini", Messages: []core.Message{core.NewTextMessage(core.RoleUser, "hi")}}))
	require.NoError(t, err)
	s := string(raw)
	assert.Contains(t, s, `"reasoning_effort":"minimal"`)
	assert.Contains(t, s, `"verbosity":"medium"`)
	assert.NotContains(t, s, `"temperature"`)

	raw, err = json.Marshal(m.buildParams(model.Request{Model: "gpt-5", ReasoningEffort: "high", Verbosity: "low"}))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"reasoning_effort":"high"`)
	assert.Contains(t, string(raw), `"verbosity":"low"`)

	raw, err = json.Marshal(m.buildParams(model.Request{Model: "gpt-4.1-mini", ReasoningEffort: "high"}))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "reasoning_effort")
	assert.NotContains(t, string(raw), "verbosity")
	assert.Contains(t, string(raw), `"temperature":0.7`)
}

func TestBuildResponseParams_FileSearch(t *testing.T) {
	m := NewModel(func(o *Options) {
		o.APIKey = "test"
		o.VectorStoreIDs = []string{"vs_ingredients"}
		o.MaxSearchResults = 10
	})
	req := model.Request{
		Model:        "gpt-5-mini",
		Instructions: "be helpful",
		Verbosity:    "high",
		Messages: []core.Message{
			core.NewTextMessage(core.RoleUser, "Which base mix is vegan?"),
			core.NewTextMessage(core.RoleAssistant, "Let me check."),
			{Role: core.RoleUser, Parts: []core.Part{
				core.TextPart{Text: "and this label"},
				core.BlobPart{Filename: "a.png", MimeType: "image/png", Data: []byte{1, 2}},
			}},
		},
	}

	params := m.buildResponseParams(req)
	require.Len(t, params.Tools, 1)
	require.NotNil(t, params.Tools[0].OfFileSearch)
	assert.Equal(t, []string{"vs_ingredients"}, params.Tools[0].OfFileSearch.VectorStoreIDs)

	raw, err := json.Marshal(params)
	require.NoError(t, err)
	s := string(raw)
	assert.Contains(t, s, `"type":"file_search"`)
	assert.Contains(t, s, `"max_num_results":10`)
	assert.Contains(t, s, `"instructions":"be helpful"`)
	assert.Contains(t, s, `"effort":"minimal"`)
	assert.Contains(t, s, `"verbosity":"high"`)
	assert.Contains(t, s, `data:image/png;base64,AQI=`)
	assert.Contains(t, s, "Which base mix is vegan?")
	assert.NotContains(t, s, `"temperature"`)
}

func TestInfo(t *testing.T) {
	m := NewModel(func(o *Options) { o.APIKey = "test" })
	assert.Equal(t, model.Info{Name: DefaultModel, Provider: "openai"}, m.Info())
}
