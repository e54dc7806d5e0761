package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/tailormesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, out <-chan Response, errCh <-chan error) ([]Response, error) {
	t.Helper()
	var got []Response
	for r := range out {
		got = append(got, r)
	}
	return got, <-errCh
}

func userReq(text string) Request {
	return Request{Messages: []core.Message{core.NewTextMessage(core.RoleUser, text)}}
}

func TestMockModel_Chunks(t *testing.T) {
	m := NewMockModel("mock-1", WithChunks("He", "llo"), WithUsage(10, 2))

	out, errCh := m.Generate(context.Background(), userReq("hi"))
	got, err := drain(t, out, errCh)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "He", got[0].Text)
	assert.True(t, got[0].Partial)
	assert.Equal(t, "Hello", got[2].Text)
	assert.False(t, got[2].Partial)
	require.NotNil(t, got[2].Usage)
	assert.Equal(t, 12, got[2].Usage.TotalTokens())
	assert.Equal(t, 1, m.Calls())
}

func TestMockModel_Echo(t *testing.T) {
	m := NewMockModel("mock-1")

	out, errCh := m.Generate(context.Background(), userReq("hello there"))
	got, err := drain(t, out, errCh)
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: hello there", got[len(got)-1].Text)
	assert.Nil(t, got[len(got)-1].Usage)
}

func TestMockModel_ErrorAfter(t *testing.T) {
	boom := errors.New("boom")
	m := NewMockModel("mock-1", WithChunks("a", "b", "c"), WithError(2, boom))

	out, errCh := m.Generate(context.Background(), userReq("x"))
	got, err := drain(t, out, errCh)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, got, 2)
}

func TestMockModel_BlockUntilCancel(t *testing.T) {
	m := NewMockModel("mock-1", WithChunks("a"), WithBlock())
	ctx, cancel := context.WithCancel(context.Background())

	out, errCh := m.Generate(ctx, userReq("x"))
	first := <-out
	assert.Equal(t, "a", first.Text)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("mock did not stop after cancel")
	}
}

func TestMockModel_Responder(t *testing.T) {
	m := NewMockModel("mock-1", WithResponder(func(r Request) []string {
		return []string{r.Instructions}
	}))

	out, errCh := m.Generate(context.Background(), Request{Instructions: "sys"})
	got, err := drain(t, out, errCh)
	require.NoError(t, err)
	assert.Equal(t, "sys", got[0].Text)
	require.Len(t, m.Requests(), 1)
}

func TestRequest_LastUserText(t *testing.T) {
	req := Request{Messages: []core.Message{
		core.NewTextMessage(core.RoleUser, "first"),
		core.NewTextMessage(core.RoleAssistant, "reply"),
		core.NewTextMessage(core.RoleUser, "second"),
	}}
	assert.Equal(t, "second", req.LastUserText())
	assert.Equal(t, "gpt-5", ModelName(Request{}, "gpt-5"))
	assert.Equal(t, "x", ModelName(Request{Model: "x"}, "gpt-5"))
}
