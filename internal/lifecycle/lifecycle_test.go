package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martechdevs/livechat/internal/model"
	"github.com/martechdevs/livechat/internal/store"
	"github.com/martechdevs/livechat/pkg/logger"
)

type statusPost struct {
	status    model.StatusUpdate
	agentName string
}

type fakeNotifier struct {
	mu       sync.Mutex
	handoffs []string
	statuses []statusPost
	err      error
}

func (n *fakeNotifier) PostHandoffRequest(_ context.Context, _ *model.Conversation, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handoffs = append(n.handoffs, reason)
	return n.err
}

func (n *fakeNotifier) PostStatusUpdate(_ context.Context, _ *model.Conversation, status model.StatusUpdate, agentName string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, statusPost{status, agentName})
	return n.err
}

type fakePublisher struct {
	mu     sync.Mutex
	events []model.StreamEvent
}

func (p *fakePublisher) SendToConversation(_ context.Context, _ string, event model.StreamEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type fixture struct {
	db        *store.DB
	notifier  *fakeNotifier
	publisher *fakePublisher
	machine   *Machine
	conv      *model.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conv, err := db.CreateConversation(context.Background(), &model.CreateConversationRequest{CustomerID: "cust-1"})
	require.NoError(t, err)

	f := &fixture{db: db, notifier: &fakeNotifier{}, publisher: &fakePublisher{}, conv: conv}
	f.machine = New(db, f.notifier, f.publisher, logger.NewNop())
	return f
}

func (f *fixture) mode(t *testing.T) model.Mode {
	t.Helper()
	conv, err := f.db.GetConversation(context.Background(), f.conv.ID)
	require.NoError(t, err)
	return conv.Mode
}

func (f *fixture) eventTypes(t *testing.T) []model.EventType {
	t.Helper()
	events, err := f.db.ListEvents(context.Background(), f.conv.ID)
	require.NoError(t, err)
	types := make([]model.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestHandoffThenTakeOverThenClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dana := Agent{ID: "U123", Name: "Dana"}

	require.NoError(t, f.machine.RequestHandoff(ctx, f.conv, "needs a human"))
	assert.Equal(t, model.ModeHandoffPending, f.mode(t))

	conv, err := f.machine.TakeOver(ctx, f.conv.ID, dana)
	require.NoError(t, err)
	assert.Equal(t, model.ModeHumanActive, conv.Mode)

	conv, err = f.machine.Close(ctx, f.conv.ID, dana)
	require.NoError(t, err)
	assert.Equal(t, model.ModeClosed, conv.Mode)

	assert.Equal(t, []model.EventType{
		model.EventTypeHandoffRequested,
		model.EventTypeHumanTakeover,
		model.EventTypeClosed,
	}, f.eventTypes(t))

	assert.Equal(t, []string{"needs a human"}, f.notifier.handoffs)
	assert.Equal(t, []statusPost{
		{model.StatusUpdateTakeover, "Dana"},
		{model.StatusUpdateClosed, "Dana"},
	}, f.notifier.statuses)

	assert.Equal(t, []model.StreamEvent{
		{Type: model.StreamEventStatus, Status: "handoff_pending"},
		{Type: model.StreamEventStatus, Status: "human_active", AgentName: "Dana"},
		{Type: model.StreamEventStatus, Status: "closed"},
	}, f.publisher.events)

	events, err := f.db.ListEvents(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "ai", events[0].Actor)
	assert.Equal(t, "agent:U123", events[1].Actor)
	assert.Equal(t, "Dana", events[1].Metadata["agent_name"])
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := Agent{ID: "U1", Name: "Sam"}

	// Takeover needs a pending handoff.
	_, err := f.machine.TakeOver(ctx, f.conv.ID, agent)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.machine.ResumeAI(ctx, f.conv.ID, "operator:ops")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.machine.Close(ctx, f.conv.ID, agent)
	require.NoError(t, err)

	// Closed is terminal.
	for _, fn := range []func() error{
		func() error { return f.machine.RequestHandoff(ctx, f.conv, "again") },
		func() error { _, err := f.machine.TakeOver(ctx, f.conv.ID, agent); return err },
		func() error { _, err := f.machine.Close(ctx, f.conv.ID, agent); return err },
		func() error { _, err := f.machine.ResumeAI(ctx, f.conv.ID, "operator:ops"); return err },
	} {
		assert.ErrorIs(t, fn(), ErrInvalidTransition)
	}
	assert.Equal(t, model.ModeClosed, f.mode(t))
	assert.Equal(t, []model.EventType{model.EventTypeClosed}, f.eventTypes(t))
}

func TestUnknownConversation(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.TakeOver(context.Background(), "missing", Agent{ID: "U1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResumeAI_MarksHumanEraMessagesHandled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.machine.RequestHandoff(ctx, f.conv, "pricing"))
	_, err := f.machine.TakeOver(ctx, f.conv.ID, Agent{ID: "U1", Name: "Sam"})
	require.NoError(t, err)

	msg, err := f.db.CreateMessage(ctx, &model.Message{
		ConversationID: f.conv.ID,
		Content:        "still there?",
		SenderType:     model.SenderCustomer,
	})
	require.NoError(t, err)

	conv, err := f.machine.ResumeAI(ctx, f.conv.ID, "operator:ops")
	require.NoError(t, err)
	assert.Equal(t, model.ModeAIActive, conv.Mode)
	assert.Equal(t, msg.ID, conv.LastCustomerMsgIDHandled)

	stored, err := f.db.GetConversation(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, stored.LastCustomerMsgIDHandled)

	assert.Equal(t, model.StatusUpdateAIResumed, f.notifier.statuses[len(f.notifier.statuses)-1].status)
	assert.Equal(t, "ai_active", f.publisher.events[len(f.publisher.events)-1].Status)
}

func TestNotifierFailureDoesNotBlockTransition(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("slack down")
	ctx := context.Background()

	require.NoError(t, f.machine.RequestHandoff(ctx, f.conv, "help"))
	_, err := f.machine.TakeOver(ctx, f.conv.ID, Agent{ID: "U1", Name: "Sam"})
	require.NoError(t, err)

	assert.Equal(t, model.ModeHumanActive, f.mode(t))
	assert.Len(t, f.publisher.events, 2)
}
