package llm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martechdevs/livechat/internal/model"
	"github.com/martechdevs/livechat/pkg/logger"
)

type fakeClient struct {
	req     *CompletionRequest
	content string
	err     error
}

func (c *fakeClient) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	c.req = req
	if c.err != nil {
		return nil, c.err
	}
	return &CompletionResponse{Content: c.content, Model: "fake-1"}, nil
}

func (c *fakeClient) Name() string { return "fake" }

func msg(sender model.SenderType, content string) model.Message {
	return model.Message{SenderType: sender, Content: content}
}

func TestBuildMessages(t *testing.T) {
	history := []model.Message{
		msg(model.SenderAI, "Welcome!"), // leading assistant turn is dropped
		msg(model.SenderCustomer, "Hi"),
		msg(model.SenderAI, "Hello, how can I help?"),
		msg(model.SenderHuman, "agent text never reaches the model"),
		msg(model.SenderCustomer, "Do you do GA4?"),
		msg(model.SenderCustomer, "And Segment?"),
		msg(model.SenderAI, "Yes to both."),
	}

	got := buildMessages(history, "[1] pricing?\n[2] timeline?")

	assert.Equal(t, []ChatMessage{
		{Role: RoleUser, Content: "Hi"},
		{Role: RoleAssistant, Content: "Hello, how can I help?"},
		{Role: RoleUser, Content: "Do you do GA4?\n\nAnd Segment?"},
		{Role: RoleAssistant, Content: "Yes to both."},
		{Role: RoleUser, Content: "[1] pricing?\n[2] timeline?"},
	}, got)
}

func TestBuildMessages_InputMergesIntoTrailingUserTurn(t *testing.T) {
	got := buildMessages([]model.Message{msg(model.SenderCustomer, "earlier question")}, "follow-up")
	assert.Equal(t, []ChatMessage{{Role: RoleUser, Content: "earlier question\n\nfollow-up"}}, got)
}

func TestResponder_Generate(t *testing.T) {
	client := &fakeClient{content: "  We integrate Segment with HubSpot regularly.  "}
	r := NewResponder(client, ResponderConfig{Model: "m-1"}, logger.NewNop())

	reply, err := r.Generate(context.Background(), nil, "Can you connect Segment to HubSpot?")
	require.NoError(t, err)
	assert.Equal(t, &model.AIReply{Text: "We integrate Segment with HubSpot regularly."}, reply)

	assert.Equal(t, "m-1", client.req.Model)
	assert.Equal(t, DefaultSystemPrompt, client.req.System)
	assert.Equal(t, 0.7, client.req.Temperature)
	assert.Equal(t, []ChatMessage{{Role: RoleUser, Content: "Can you connect Segment to HubSpot?"}}, client.req.Messages)
}

func TestResponder_Handoff(t *testing.T) {
	client := &fakeClient{content: "Let me bring in a colleague.\n[HANDOFF_REQUESTED]"}
	r := NewResponder(client, ResponderConfig{}, logger.NewNop())

	reply, err := r.Generate(context.Background(), nil, "I want to sign a contract")
	require.NoError(t, err)
	assert.True(t, reply.Handoff)
	assert.Equal(t, "Let me bring in a colleague.", reply.Text)

	client.content = HandoffMarker
	reply, err = r.Generate(context.Background(), nil, "human please")
	require.NoError(t, err)
	assert.True(t, reply.Handoff)
	assert.Empty(t, reply.Text)
}

func TestResponder_Errors(t *testing.T) {
	client := &fakeClient{content: "   "}
	r := NewResponder(client, ResponderConfig{}, logger.NewNop())

	_, err := r.Generate(context.Background(), nil, "hello")
	assert.ErrorIs(t, err, ErrEmptyReply)

	client.err = errors.New("rate limited")
	_, err = r.Generate(context.Background(), nil, "hello")
	assert.ErrorContains(t, err, "fake completion failed")
}

func TestLoadSystemPrompt(t *testing.T) {
	prompt, err := LoadSystemPrompt("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSystemPrompt, prompt)

	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("\nBe brief.\n"), 0o600))
	prompt, err = LoadSystemPrompt(path)
	require.NoError(t, err)
	assert.Equal(t, "Be brief.", prompt)

	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))
	_, err = LoadSystemPrompt(path)
	assert.Error(t, err)

	_, err = LoadSystemPrompt(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(ProviderAnthropic, "")
	assert.Error(t, err)

	c, err := NewClient(ProviderOpenAI, "sk-test")
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Name())

	_, err = NewClient("gemini", "key")
	assert.Error(t, err)
}
