package gemini

import (
	"testing"

	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertMessages(t *testing.T) {
	contents := convertMessages([]core.Message{
		core.NewTextMessage(core.RoleSystem, "sys"),
		core.NewTextMessage(core.RoleUser, "hi"),
		core.NewTextMessage(core.RoleAssistant, "hello"),
		{Role: core.RoleUser, Parts: []core.Part{
			core.TextPart{Text: "photo"},
			core.BlobPart{Filename: "a.png", MimeType: "image/png", Data: []byte{1}},
			core.BlobPart{Filename: "a.txt", MimeType: "text/plain", Data: []byte("note")},
		}},
	})

	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	require.Len(t, contents[2].Parts, 3)
	require.NotNil(t, contents[2].Parts[1].InlineData)
	assert.Equal(t, "image/png", contents[2].Parts[1].InlineData.MIMEType)
	assert.Contains(t, contents[2].Parts[2].Text, "note")
}

func TestBuildConfig(t *testing.T) {
	m := NewModelFromClient(nil)
	cfg := m.buildConfig(model.Request{
		Instructions: "be brief",
		MaxTokens:    64,
		Messages:     []core.Message{core.NewTextMessage(core.RoleSystem, "extra")},
	})

	assert.Equal(t, int32(64), cfg.MaxOutputTokens)
	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.7, *cfg.Temperature, 1e-6)
	require.NotNil(t, cfg.SystemInstruction)
	assert.Equal(t, "be brief\n\nextra", cfg.SystemInstruction.Parts[0].Text)
	assert.Equal(t, model.Info{Name: DefaultModel, Provider: "gemini"}, m.Info())
}
