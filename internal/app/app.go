// Package app assembles the livechat components shared by the API and worker processes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/martechdevs/livechat/internal/config"
	"github.com/martechdevs/livechat/internal/lifecycle"
	"github.com/martechdevs/livechat/internal/llm"
	"github.com/martechdevs/livechat/internal/model"
	natsclient "github.com/martechdevs/livechat/internal/nats"
	"github.com/martechdevs/livechat/internal/orchestrator"
	"github.com/martechdevs/livechat/internal/realtime"
	"github.com/martechdevs/livechat/internal/slackbridge"
	"github.com/martechdevs/livechat/internal/store"
	"github.com/martechdevs/livechat/internal/worker"
	"github.com/martechdevs/livechat/pkg/logger"
)

// slackHTTPTimeout caps every Slack Web API call.
const slackHTTPTimeout = 15 * time.Second

// Notifier is everything the app asks of the agent workspace.
type Notifier interface {
	CreateThread(ctx context.Context, conv *model.Conversation) (string, string, error)
	MirrorMessage(ctx context.Context, conv *model.Conversation, msg *model.Message) error
	PostHandoffRequest(ctx context.Context, conv *model.Conversation, reason string) error
	PostStatusUpdate(ctx context.Context, conv *model.Conversation, status model.StatusUpdate, agentName string) error
	PostQuoteSummary(ctx context.Context, conv *model.Conversation, email, summary string) error
	AgentName(ctx context.Context, userID string) string
}

// Options selects what the process runs.
type Options struct {
	// Name identifies the process on the NATS connection.
	Name string
	// RunWorker requires a Responder and prepares the job consumer.
	RunWorker bool
}

// App holds the wired components.
type App struct {
	Config *config.Config

	DB           *store.DB
	NATS         *natsclient.Client
	State        *natsclient.StateStore
	Jobs         *natsclient.JobQueue
	Hub          *realtime.Hub
	Notifier     Notifier
	Lifecycle    *lifecycle.Machine
	Orchestrator *orchestrator.Orchestrator
	Worker       *worker.Worker

	logger *logger.Logger
}

// New connects to storage and NATS and wires the components. Call Close when done.
func New(ctx context.Context, cfg *config.Config, opts Options, log *logger.Logger) (_ *App, err error) {
	a := &App{Config: cfg, logger: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.DB, err = store.Open(cfg.DatabasePath, log)
	if err != nil {
		return nil, err
	}

	a.NATS, err = natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
		Name:     opts.Name,
	}, log)
	if err != nil {
		return nil, err
	}

	a.State, err = natsclient.NewStateStore(ctx, a.NATS, cfg.LockTTL)
	if err != nil {
		return nil, err
	}

	a.Jobs, err = natsclient.NewJobQueue(ctx, a.NATS, natsclient.JobQueueConfig{
		// A running cycle holds the lock for at most LockTTL.
		AckWait:    cfg.LockTTL + cfg.ResponderTimeout,
		MaxDeliver: 3,
		Prefetch:   cfg.WorkerConcurrency,
	})
	if err != nil {
		return nil, err
	}

	a.Hub = realtime.NewHub(natsclient.NewBroadcaster(a.NATS), realtime.Config{
		KeepaliveInterval: cfg.KeepaliveInterval,
	}, log)

	a.Notifier = newNotifier(cfg, log)
	a.Lifecycle = lifecycle.New(a.DB, a.Notifier, a.Hub, log)

	var responder orchestrator.Responder
	if opts.RunWorker {
		r, err := newResponder(cfg, log)
		if err != nil {
			return nil, err
		}
		responder = r
	}

	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Store:        a.DB,
		Responder:    responder,
		Notifier:     a.Notifier,
		Publisher:    a.Hub,
		State:        a.State,
		Scheduler:    a.Jobs,
		Transitioner: a.Lifecycle,
	}, orchestrator.Config{
		DebounceWindow:   cfg.DebounceWindow,
		MaxWait:          cfg.MaxWait,
		ResponderTimeout: cfg.ResponderTimeout,
		CycleTimeout:     cfg.CycleTimeout(),
		MaxPartLength:    cfg.MaxPartLength,
		PartDelay:        cfg.PartDelay,
	}, log)

	if opts.RunWorker {
		a.Worker = worker.New(a.Orchestrator, a.Jobs, worker.Config{
			Concurrency: cfg.WorkerConcurrency,
			MaxAttempts: cfg.JobMaxAttempts,
		}, log)
	}

	return a, nil
}

// RunWorker consumes jobs until ctx ends.
func (a *App) RunWorker(ctx context.Context) error {
	if a.Worker == nil {
		return errors.New("app was built without a worker")
	}
	receiver, err := a.Jobs.Receive(ctx)
	if err != nil {
		return err
	}
	defer receiver.Stop()
	return a.Worker.Run(ctx, receiver)
}

// Close releases connections. It is safe on a partially built App.
func (a *App) Close() {
	if a.Hub != nil {
		if err := a.Hub.Stop(); err != nil {
			a.logger.Warn("failed to stop hub", zap.Error(err))
		}
	}
	if a.NATS != nil {
		a.NATS.Close()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.logger.Warn("failed to close database", zap.Error(err))
		}
	}
}

func newNotifier(cfg *config.Config, log *logger.Logger) Notifier {
	if cfg.SlackBotToken == "" || cfg.SlackSupportChannelID == "" {
		log.Warn("Slack not configured, agent workspace disabled")
		return slackbridge.Nop{}
	}
	api := slack.New(cfg.SlackBotToken, slack.OptionHTTPClient(&http.Client{Timeout: slackHTTPTimeout}))
	return slackbridge.NewNotifier(api, cfg.SlackSupportChannelID, log)
}

func newResponder(cfg *config.Config, log *logger.Logger) (*llm.Responder, error) {
	provider := llm.Provider(cfg.DefaultLLM)
	apiKey := cfg.AnthropicAPIKey
	if provider == llm.ProviderOpenAI {
		apiKey = cfg.OpenAIAPIKey
	}

	client, err := llm.NewClient(provider, apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", provider, err)
	}

	prompt, err := llm.LoadSystemPrompt(cfg.SystemPromptFile)
	if err != nil {
		return nil, err
	}

	return llm.NewResponder(client, llm.ResponderConfig{
		Model:        cfg.LLMModel,
		SystemPrompt: prompt,
	}, log), nil
}
