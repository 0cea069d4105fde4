package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/martechdevs/livechat/internal/model"
	"github.com/martechdevs/livechat/internal/store"
)

var errNotFound = errors.New("not found")

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memStore struct {
	mu            sync.Mutex
	conversations map[string]*model.Conversation
	messages      []model.Message
	nextID        int64
	commitErrs    []error
}

func newMemStore() *memStore {
	return &memStore{conversations: map[string]*model.Conversation{}}
}

func (s *memStore) add(conv *model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
}

func (s *memStore) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *conv
	return &cp, nil
}

func (s *memStore) GetMessage(_ context.Context, id int64) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			cp := m
			return &cp, nil
		}
	}
	return nil, errNotFound
}

func (s *memStore) ListMessages(_ context.Context, conversationID string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) CreateMessage(_ context.Context, msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = s.nextID
	s.messages = append(s.messages, *msg)
	return msg, nil
}

// CommitReply is all-or-nothing like the SQLite store. Queued commitErrs fail
// the next commits before anything is written.
func (s *memStore) CommitReply(_ context.Context, id string, fromMark, toMark int64, parts []*model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commitErrs) > 0 {
		err := s.commitErrs[0]
		s.commitErrs = s.commitErrs[1:]
		return err
	}
	conv, ok := s.conversations[id]
	if !ok {
		return errNotFound
	}
	if conv.LastCustomerMsgIDHandled != fromMark {
		return store.ErrReplyConflict
	}
	conv.LastCustomerMsgIDHandled = toMark
	for _, part := range parts {
		s.nextID++
		part.ID = s.nextID
		part.ConversationID = id
		s.messages = append(s.messages, *part)
	}
	return nil
}

func (s *memStore) failNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErrs = append(s.commitErrs, err)
}

// advance moves the high-water mark outside of a response cycle.
func (s *memStore) advance(id string, messageID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv := s.conversations[id]; messageID > conv.LastCustomerMsgIDHandled {
		conv.LastCustomerMsgIDHandled = messageID
	}
}

func (s *memStore) setMode(id string, mode model.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id].Mode = mode
}

func (s *memStore) mark(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations[id].LastCustomerMsgIDHandled
}

func (s *memStore) bySender(conversationID string, sender model.SenderType) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.SenderType == sender {
			out = append(out, m)
		}
	}
	return out
}

// memState mimics the KV buckets: every write bumps the revision.
type memState struct {
	mu       sync.Mutex
	pending  map[string]model.PendingResponse
	locks    map[string]bool
	revision uint64
}

func newMemState() *memState {
	return &memState{pending: map[string]model.PendingResponse{}, locks: map[string]bool{}}
}

func (s *memState) GetPending(_ context.Context, id string) (*model.PendingResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *memState) PutPending(_ context.Context, id string, p model.PendingResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revision++
	p.Revision = s.revision
	s.pending[id] = p
	return nil
}

func (s *memState) ClearPending(_ context.Context, id string, revision uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok || p.Revision != revision {
		return false, nil
	}
	delete(s.pending, id)
	return true, nil
}

func (s *memState) AcquireLock(_ context.Context, id string) (func(context.Context) error, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[id] {
		return nil, false, nil
	}
	s.locks[id] = true
	return func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.locks, id)
		return nil
	}, true, nil
}

func (s *memState) hasPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

type scheduledJob struct {
	conversationID string
	due            time.Time
}

// recordingScheduler keeps jobs in memory ordered by due time.
type recordingScheduler struct {
	mu     sync.Mutex
	clock  *manualClock
	jobs   []scheduledJob
	delays []time.Duration
}

func (s *recordingScheduler) Schedule(_ context.Context, conversationID string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, delay)
	s.jobs = append(s.jobs, scheduledJob{conversationID: conversationID, due: s.clock.Now().Add(delay)})
	sort.SliceStable(s.jobs, func(i, j int) bool { return s.jobs[i].due.Before(s.jobs[j].due) })
	return nil
}

// popDue removes the earliest job due at or before t.
func (s *recordingScheduler) popDue(t time.Time) (scheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 || s.jobs[0].due.After(t) {
		return scheduledJob{}, false
	}
	job := s.jobs[0]
	s.jobs = s.jobs[1:]
	return job, true
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delays)
}

type responderCall struct {
	at      time.Time
	input   string
	history []model.Message
}

type scriptedResponder struct {
	mu     sync.Mutex
	clock  *manualClock
	calls  []responderCall
	reply  func(call int, input string) (*model.AIReply, error)
	during func(call int)
}

func (r *scriptedResponder) Generate(_ context.Context, history []model.Message, input string) (*model.AIReply, error) {
	r.mu.Lock()
	r.calls = append(r.calls, responderCall{at: r.clock.Now(), input: input, history: history})
	n := len(r.calls)
	during, reply := r.during, r.reply
	r.mu.Unlock()

	if during != nil {
		during(n)
	}
	if reply != nil {
		return reply(n, input)
	}
	return &model.AIReply{Text: "Thanks, happy to help."}, nil
}

func (r *scriptedResponder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *scriptedResponder) call(i int) responderCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}

type recordingNotifier struct {
	mu       sync.Mutex
	mirrored []model.Message
	err      error
}

func (n *recordingNotifier) MirrorMessage(_ context.Context, _ *model.Conversation, msg *model.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mirrored = append(n.mirrored, *msg)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.mirrored)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.StreamEvent
}

func (p *recordingPublisher) SendToConversation(_ context.Context, _ string, event model.StreamEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) all() []model.StreamEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.StreamEvent(nil), p.events...)
}

// handoffRecorder performs the AI_ACTIVE -> HANDOFF_PENDING transition on the memStore.
type handoffRecorder struct {
	store     *memStore
	publisher *recordingPublisher
	reasons   []string
}

func (h *handoffRecorder) RequestHandoff(ctx context.Context, conv *model.Conversation, reason string) error {
	h.reasons = append(h.reasons, reason)
	h.store.setMode(conv.ID, model.ModeHandoffPending)
	return h.publisher.SendToConversation(ctx, conv.ID, model.NewStatusEvent(model.ModeHandoffPending, ""))
}

type responderFunc func(ctx context.Context, history []model.Message, input string) (*model.AIReply, error)

func (f responderFunc) Generate(ctx context.Context, history []model.Message, input string) (*model.AIReply, error) {
	return f(ctx, history, input)
}

// stalledNotifier never answers until its context ends.
type stalledNotifier struct {
	calls atomic.Int32
}

func (n *stalledNotifier) MirrorMessage(ctx context.Context, _ *model.Conversation, _ *model.Message) error {
	n.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}
