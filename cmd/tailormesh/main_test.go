package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tailormesh/config"
	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/instruction"
	"github.com/hupe1980/tailormesh/model/anthropic"
	"github.com/hupe1980/tailormesh/usage"
)

func TestProviderModel(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ProviderConfig
		want string
	}{
		{"openai keeps configured", config.ProviderConfig{Name: "openai", DefaultModel: "gpt-5"}, "gpt-5"},
		{"anthropic drops openai default", config.ProviderConfig{Name: "anthropic", DefaultModel: usage.DefaultFallbackModel}, anthropic.DefaultModel},
		{"anthropic keeps configured", config.ProviderConfig{Name: "anthropic", DefaultModel: "claude-sonnet-4"}, "claude-sonnet-4"},
		{"empty", config.ProviderConfig{Name: "gemini"}, anthropic.DefaultModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, providerModel(tt.cfg, anthropic.DefaultModel))
		})
	}
}

func TestNewModel(t *testing.T) {
	m, err := newModel(context.Background(), config.ProviderConfig{Name: config.ProviderMock, DefaultModel: "gpt-5-mini"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-5-mini", m.Info().Name)

	_, err = newModel(context.Background(), config.ProviderConfig{Name: "bedrock"})
	assert.ErrorContains(t, err, "unknown provider")
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestReadProfile(t *testing.T) {
	p := writeFile(t, "profile.yaml", "session_id: p1\nage: 41\nhealth_goals: better sleep\nweight: 72.5\n")
	profile, err := readProfile(p)
	require.NoError(t, err)
	assert.Equal(t, "p1", profile.SessionID)
	assert.Equal(t, 41, profile.Age)
	assert.Equal(t, "better sleep", profile.HealthGoals)
	assert.InDelta(t, 72.5, profile.Weight, 1e-9)

	p = writeFile(t, "anon.yaml", "health_goals: energy\n")
	profile, err = readProfile(p)
	require.NoError(t, err)
	assert.NotEmpty(t, profile.SessionID)
}

func TestPrintEvents(t *testing.T) {
	ch := make(chan core.StreamEvent, 5)
	ch <- core.StageStartedEvent{Stage: "Supplement Specialist"}
	ch <- core.TokenEvent{Text: "Magnesium"}
	ch <- core.StageCompletedEvent{Stage: "Supplement Specialist", Summary: "Selected 1 ingredients."}
	ch <- core.DoneEvent{Output: "Magnesium"}
	close(ch)

	var buf bytes.Buffer
	require.NoError(t, printEvents(context.Background(), &buf, ch))
	assert.Equal(t, "\n== Supplement Specialist ==\nMagnesium\n-- Selected 1 ingredients.\n\n", buf.String())

	ch = make(chan core.StreamEvent, 1)
	ch <- core.NewErrorEvent(core.ErrSessionBusy)
	close(ch)
	assert.ErrorIs(t, printEvents(context.Background(), &buf, ch), core.ErrSessionBusy)
}

func TestPriceCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := priceCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"gpt-5", "1000000", "0"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "R43.75\n", out.String())

	cmd = priceCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"nope", "1", "1"})
	assert.ErrorIs(t, cmd.Execute(), core.ErrUnknownModel)
}

func TestInstructionsValidateCmd(t *testing.T) {
	good := writeFile(t, "good.txt", instruction.BuiltinText(instruction.ModeDefault))
	bad := writeFile(t, "bad.txt", "short")

	var out bytes.Buffer
	cmd := instructionsCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", good})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "ok:")

	cmd = instructionsCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"validate", bad})
	assert.ErrorIs(t, cmd.Execute(), core.ErrInvalidInstructions)
}

func TestLoadApp_Mock(t *testing.T) {
	cfgPath := writeFile(t, "config.yaml", "provider:\n  name: mock\n  default_model: gpt-5-mini\nlogging:\n  level: error\n")
	t.Setenv("TAILORMESH_PROVIDER", "")

	a, err := loadApp(context.Background(), cfgPath)
	require.NoError(t, err)
	defer a.Close()

	var buf bytes.Buffer
	profile, err := readProfile(writeFile(t, "p.yaml", "session_id: p1\nhealth_goals: sleep\n"))
	require.NoError(t, err)
	events, err := a.mesh.RunPipeline(context.Background(), profile)
	require.NoError(t, err)
	require.NoError(t, printEvents(context.Background(), &buf, events))
	assert.Contains(t, buf.String(), "== Supplement Specialist ==")
}
