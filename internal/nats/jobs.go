package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/martechdevs/livechat/pkg/logger"
)

const (
	// JobStreamName is the name of the AI job stream.
	JobStreamName = "LIVECHAT_JOBS"

	// JobSubjectPrefix is the prefix for AI job subjects.
	JobSubjectPrefix = "livechat.jobs.ai"

	// JobConsumerName is the durable consumer shared by every worker process.
	JobConsumerName = "ai-workers"

	// NotBeforeHeader carries the earliest time a job may run.
	NotBeforeHeader = "Livechat-Not-Before"
)

// ErrQueueClosed is returned by Receiver.Next once the receiver stopped.
var ErrQueueClosed = errors.New("job queue closed")

// Job asks a worker to run an AI response cycle for a conversation.
type Job struct {
	ConversationID string `json:"conversation_id"`
	Attempt        int    `json:"attempt"`
}

// JobSubject returns the subject a conversation's jobs are published on.
func JobSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s", JobSubjectPrefix, conversationID)
}

// JobQueueConfig tunes the durable consumer.
type JobQueueConfig struct {
	// AckWait should exceed the lock TTL so a running job is not redelivered.
	AckWait time.Duration
	// MaxDeliver caps redeliveries of a job whose worker died. Zero means unlimited.
	MaxDeliver int
	// Prefetch is how many jobs a receiver buffers ahead.
	Prefetch int
}

// JobQueue is a delayed job queue on a JetStream work-queue stream.
// JetStream has no scheduled delivery, so each job carries a not-before time and
// early deliveries are handed back with a delayed nak.
type JobQueue struct {
	js       jetstream.JetStream
	consumer jetstream.Consumer
	prefetch int
	logger   *logger.Logger
	now      func() time.Time
}

// NewJobQueue ensures the job stream and durable consumer exist.
func NewJobQueue(ctx context.Context, client *Client, cfg JobQueueConfig) (*JobQueue, error) {
	js := client.JetStream()

	if err := ensureJobStream(ctx, js); err != nil {
		return nil, err
	}

	maxDeliver := cfg.MaxDeliver
	if maxDeliver == 0 {
		maxDeliver = -1
	}
	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = 90 * time.Second
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, JobStreamName, jetstream.ConsumerConfig{
		Durable:       JobConsumerName,
		Description:   "AI response workers",
		FilterSubject: JobSubjectPrefix + ".*",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job consumer: %w", err)
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	return &JobQueue{
		js:       js,
		consumer: consumer,
		prefetch: prefetch,
		logger:   client.logger.Named("jobs"),
		now:      time.Now,
	}, nil
}

func ensureJobStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.Stream(ctx, JobStreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up job stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        JobStreamName,
		Subjects:    []string{JobSubjectPrefix + ".*"},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Description: "Deferred AI response jobs",
	})
	if err != nil {
		return fmt.Errorf("failed to create job stream: %w", err)
	}
	return nil
}

// Enqueue publishes a job that becomes due after delay.
func (q *JobQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	msg := nats.NewMsg(JobSubject(job.ConversationID))
	msg.Data = data
	msg.Header.Set(NotBeforeHeader, q.now().Add(delay).UTC().Format(time.RFC3339Nano))

	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

// Schedule enqueues the first attempt of an AI cycle for a conversation.
func (q *JobQueue) Schedule(ctx context.Context, conversationID string, delay time.Duration) error {
	return q.Enqueue(ctx, Job{ConversationID: conversationID, Attempt: 1}, delay)
}

// Delivery is a due job handed to a worker. Exactly one of Ack or Term must be called.
type Delivery struct {
	Job Job
	msg jetstream.Msg
}

// Ack removes the job from the queue.
func (d *Delivery) Ack() error {
	return d.msg.Ack()
}

// Term removes the job from the queue without redelivery.
func (d *Delivery) Term() error {
	return d.msg.Term()
}

// Nak hands the job back for redelivery after delay.
func (d *Delivery) Nak(delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}

// Receiver pulls due jobs from the queue.
type Receiver struct {
	iter jetstream.MessagesContext
	stop func() bool
	q    *JobQueue
}

// Receive starts pulling jobs. The receiver stops when ctx ends or Stop is called.
func (q *JobQueue) Receive(ctx context.Context) (*Receiver, error) {
	iter, err := q.consumer.Messages(jetstream.PullMaxMessages(q.prefetch))
	if err != nil {
		return nil, fmt.Errorf("failed to start job consumer: %w", err)
	}
	return &Receiver{
		iter: iter,
		stop: context.AfterFunc(ctx, iter.Stop),
		q:    q,
	}, nil
}

// Next blocks until a job is due. Jobs delivered before their not-before time are
// returned to the queue for the remaining delay.
func (r *Receiver) Next() (*Delivery, error) {
	for {
		msg, err := r.iter.Next()
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			return nil, ErrQueueClosed
		}
		if err != nil {
			return nil, fmt.Errorf("failed to receive job: %w", err)
		}

		var job Job
		if err := json.Unmarshal(msg.Data(), &job); err != nil || job.ConversationID == "" {
			r.q.logger.Error("dropping malformed job", zap.String("subject", msg.Subject()), zap.Error(err))
			_ = msg.Term()
			continue
		}

		if remaining := r.q.remaining(msg); remaining > 0 {
			if err := msg.NakWithDelay(remaining); err != nil {
				r.q.logger.Warn("failed to defer job",
					zap.String("conversation_id", job.ConversationID), zap.Error(err))
			}
			continue
		}

		return &Delivery{Job: job, msg: msg}, nil
	}
}

// Stop ends the receiver.
func (r *Receiver) Stop() {
	if r.stop() {
		r.iter.Stop()
	}
}

func (q *JobQueue) remaining(msg jetstream.Msg) time.Duration {
	raw := msg.Headers().Get(NotBeforeHeader)
	if raw == "" {
		return 0
	}
	notBefore, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0
	}
	return notBefore.Sub(q.now())
}
