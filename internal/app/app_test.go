package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martechdevs/livechat/internal/config"
	"github.com/martechdevs/livechat/internal/model"
	"github.com/martechdevs/livechat/internal/slackbridge"
	"github.com/martechdevs/livechat/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{
		Port:               -1,
		JetStream:          true,
		JetStreamMaxMemory: 64 << 20,
		JetStreamMaxStore:  64 << 20,
		StoreDir:           t.TempDir(),
		NoLog:              true,
		NoSigs:             true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("test NATS server failed to start")
	}
	t.Cleanup(ns.Shutdown)

	cfg := config.Load()
	cfg.NATSURL = ns.ClientURL()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "livechat.db")
	cfg.SlackBotToken = ""
	cfg.DebounceWindow = 50 * time.Millisecond
	cfg.MaxWait = time.Second
	return cfg
}

func TestNew_APIProcess(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), Options{Name: "api-test"}, logger.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, slackbridge.Nop{}, a.Notifier)
	assert.Nil(t, a.Worker)
	assert.Error(t, a.RunWorker(ctx))
	require.NoError(t, a.DB.Ping(ctx))
	assert.True(t, a.NATS.IsConnected())

	conv, err := a.DB.CreateConversation(ctx, &model.CreateConversationRequest{CustomerID: "visitor-1"})
	require.NoError(t, err)
	msg, err := a.DB.CreateMessage(ctx, &model.Message{
		ConversationID: conv.ID, Content: "hi", SenderType: model.SenderCustomer, Source: model.SourceWidget,
	})
	require.NoError(t, err)

	// a customer message schedules a cycle on the shared queue
	require.NoError(t, a.Orchestrator.OnCustomerMessage(ctx, conv.ID, msg.ID))

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	receiver, err := a.Jobs.Receive(recvCtx)
	require.NoError(t, err)
	defer receiver.Stop()

	d, err := receiver.Next()
	require.NoError(t, err)
	assert.Equal(t, conv.ID, d.Job.ConversationID)
	require.NoError(t, d.Ack())

	pending, err := a.State.GetPending(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, msg.ID, pending.LastMessageID)
}

func TestNew_WorkerProcess(t *testing.T) {
	cfg := testConfig(t)
	cfg.DefaultLLM = "openai"
	cfg.OpenAIAPIKey = "sk-test"

	a, err := New(context.Background(), cfg, Options{Name: "worker-test", RunWorker: true}, logger.NewNop())
	require.NoError(t, err)
	defer a.Close()
	assert.NotNil(t, a.Worker)
}

func TestNew_WorkerNeedsModelKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.DefaultLLM = "anthropic"
	cfg.AnthropicAPIKey = ""

	_, err := New(context.Background(), cfg, Options{RunWorker: true}, logger.NewNop())
	assert.Error(t, err)
}
