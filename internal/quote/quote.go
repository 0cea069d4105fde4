// Package quote runs the quote request questionnaire: a fixed, ordered list of fields
// with a cursor at the first one still unanswered.
package quote

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"go.uber.org/zap"

	"github.com/martechdevs/livechat/internal/model"
	"github.com/martechdevs/livechat/pkg/logger"
	"github.com/martechdevs/livechat/pkg/metrics"
)

var (
	// ErrUnexpectedField is returned when an answer is not for the field under the cursor.
	ErrUnexpectedField = errors.New("answer is not for the current question")
	// ErrInvalidAnswer is returned when an answer is empty or malformed.
	ErrInvalidAnswer = errors.New("invalid answer")
	// ErrClosed is returned for conversations that no longer accept input.
	ErrClosed = errors.New("conversation is closed")
)

// InputTypeEmail asks the widget for an email input.
const InputTypeEmail = "email"

// Option is a suggested answer.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Field is one question of the questionnaire.
type Field struct {
	Key         string
	Label       string
	Question    string
	Options     []Option
	MultiSelect bool
	InputType   string
}

// Step is what the widget renders next. When IsComplete is set the other
// question fields are empty.
type Step struct {
	Field       string            `json:"field,omitempty"`
	Question    string            `json:"question,omitempty"`
	Options     []Option          `json:"options"`
	MultiSelect bool              `json:"multi_select"`
	InputType   *string           `json:"input_type"`
	IsComplete  bool              `json:"is_complete"`
	Collected   map[string]string `json:"collected_data"`
}

func opts(pairs ...string) []Option {
	out := make([]Option, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Option{Value: pairs[i], Label: pairs[i+1]})
	}
	return out
}

// DefaultFields is the sales questionnaire.
var DefaultFields = []Field{
	{
		Key: "company_type", Label: "Company type",
		Question: "Thanks for your interest! What kind of company are you?",
		Options:  opts("b2b_saas", "B2B SaaS", "b2c", "B2C", "ecommerce", "E-commerce", "fintech", "Fintech", "other", "Other"),
	},
	{
		Key: "company_stage", Label: "Company stage",
		Question: "What stage is the company at?",
		Options:  opts("early_stage", "Early-stage", "growth_stage", "Growth", "enterprise", "Enterprise"),
	},
	{
		Key: "platforms", Label: "Platforms",
		Question:    "Which platforms need the integration?",
		Options:     opts("website", "Website", "web_app", "Web app", "ios", "iOS", "android", "Android"),
		MultiSelect: true,
	},
	{
		Key: "traffic", Label: "Monthly traffic",
		Question: "Roughly how much monthly traffic do you get?",
		Options:  opts("low", "Under 10k", "medium", "10k-100k", "high", "100k-1M", "very_high", "Over 1M"),
	},
	{
		Key: "dev_model", Label: "Working model",
		Question: "Should we handle the full implementation, or work alongside your team?",
		Options:  opts("full", "Full implementation", "copilot", "Copilot with your team"),
	},
	{
		Key: "urgency", Label: "Timeline",
		Question: "When do you need this live?",
		Options:  opts("asap", "ASAP", "soon", "Within a month", "normal", "1-3 months", "flexible", "Flexible"),
	},
	{
		Key: "goals", Label: "Goals",
		Question:    "What are the main goals?",
		Options:     opts("analytics", "Analytics", "automation", "Automation", "personalization", "Personalization", "attribution", "Attribution"),
		MultiSelect: true,
	},
	{
		Key: "tools", Label: "Martech tools",
		Question:    "Which martech tools are you using or planning to use?",
		Options:     opts("ga4", "GA4", "segment", "Segment", "hubspot", "HubSpot", "braze", "Braze", "amplitude", "Amplitude"),
		MultiSelect: true,
	},
	{
		Key: "email", Label: "Email",
		Question:  "Last one: what's your work email so we can send the quote?",
		InputType: InputTypeEmail,
	},
}

// Store is the persistence the questionnaire uses.
type Store interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	QuoteAnswers(ctx context.Context, conversationID string) (map[string]string, error)
	SaveQuoteAnswer(ctx context.Context, conversationID, field, value string) error
	CreateMessage(ctx context.Context, msg *model.Message) (*model.Message, error)
	CreateEvent(ctx context.Context, evt *model.ConversationEvent) (*model.ConversationEvent, error)
}

// Notifier shares answers and the finished request with the sales team.
type Notifier interface {
	MirrorMessage(ctx context.Context, conv *model.Conversation, msg *model.Message) error
	PostQuoteSummary(ctx context.Context, conv *model.Conversation, email, summary string) error
}

// Flow drives the questionnaire for a conversation.
type Flow struct {
	store    Store
	notifier Notifier
	fields   []Field
	logger   *logger.Logger
}

// NewFlow creates a Flow over fields. A nil fields slice selects DefaultFields.
func NewFlow(s Store, notifier Notifier, fields []Field, log *logger.Logger) *Flow {
	if fields == nil {
		fields = DefaultFields
	}
	return &Flow{
		store:    s,
		notifier: notifier,
		fields:   fields,
		logger:   log.Named("quote"),
	}
}

// Current returns the next question, or a completed step.
func (f *Flow) Current(ctx context.Context, conversationID string) (*Step, error) {
	if _, err := f.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	answers, err := f.store.QuoteAnswers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return f.step(answers), nil
}

// Answer records the answer to the field under the cursor and returns the next step.
// Multi-select fields take one or more values; all others take exactly one.
func (f *Flow) Answer(ctx context.Context, conversationID, field string, values []string) (*Step, error) {
	conv, err := f.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Mode == model.ModeClosed {
		return nil, ErrClosed
	}

	answers, err := f.store.QuoteAnswers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	current, ok := f.cursor(answers)
	if !ok || current.Key != field {
		return nil, ErrUnexpectedField
	}

	value, err := normalize(current, values)
	if err != nil {
		return nil, err
	}

	if err := f.store.SaveQuoteAnswer(ctx, conversationID, field, value); err != nil {
		return nil, err
	}
	answers[field] = value

	msg, err := f.store.CreateMessage(ctx, &model.Message{
		ConversationID: conversationID,
		Content:        value,
		SenderType:     model.SenderCustomer,
		Source:         model.SourceQuoteFlow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save quote answer message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(model.SenderCustomer), string(model.SourceQuoteFlow)).Inc()

	log := f.logger.WithConversation(conversationID)
	if err := f.notifier.MirrorMessage(ctx, conv, msg); err != nil {
		metrics.NotifierFailuresTotal.WithLabelValues("mirror").Inc()
		log.Warn("failed to mirror quote answer", zap.Error(err))
	}

	step := f.step(answers)
	if step.IsComplete {
		f.submit(ctx, log, conv, answers)
	}
	return step, nil
}

func (f *Flow) submit(ctx context.Context, log *logger.Logger, conv *model.Conversation, answers map[string]string) {
	meta := make(map[string]any, len(answers))
	for k, v := range answers {
		meta[k] = v
	}
	if _, err := f.store.CreateEvent(ctx, &model.ConversationEvent{
		ConversationID: conv.ID,
		Type:           model.EventTypeQuoteSubmitted,
		Actor:          "customer",
		Metadata:       meta,
	}); err != nil {
		log.Error("failed to record quote submission", zap.Error(err))
	}

	if err := f.notifier.PostQuoteSummary(ctx, conv, answers["email"], f.Summary(answers)); err != nil {
		metrics.NotifierFailuresTotal.WithLabelValues("quote_summary").Inc()
		log.Warn("failed to post quote summary", zap.Error(err))
	}
	log.Info("quote request submitted")
}

// Summary renders the answers as one bold-labelled line per field, in questionnaire order.
func (f *Flow) Summary(answers map[string]string) string {
	var sb strings.Builder
	for _, field := range f.fields {
		v, ok := answers[field.Key]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "**%s:** %s\n", field.Label, labelFor(field, v))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (f *Flow) cursor(answers map[string]string) (Field, bool) {
	for _, field := range f.fields {
		if _, ok := answers[field.Key]; !ok {
			return field, true
		}
	}
	return Field{}, false
}

func (f *Flow) step(answers map[string]string) *Step {
	field, ok := f.cursor(answers)
	if !ok {
		return &Step{Options: []Option{}, IsComplete: true, Collected: answers}
	}

	step := &Step{
		Field:       field.Key,
		Question:    field.Question,
		Options:     field.Options,
		MultiSelect: field.MultiSelect,
		Collected:   answers,
	}
	if step.Options == nil {
		step.Options = []Option{}
	}
	if field.InputType != "" {
		inputType := field.InputType
		step.InputType = &inputType
	}
	return step
}

func normalize(field Field, values []string) (string, error) {
	var kept []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidAnswer, field.Key)
	}
	if len(kept) > 1 && !field.MultiSelect {
		return "", fmt.Errorf("%w: %s takes a single value", ErrInvalidAnswer, field.Key)
	}

	if field.InputType == InputTypeEmail {
		addr, err := mail.ParseAddress(kept[0])
		if err != nil {
			return "", fmt.Errorf("%w: not an email address", ErrInvalidAnswer)
		}
		return addr.Address, nil
	}
	return strings.Join(kept, ", "), nil
}

// labelFor maps stored option values back to their labels. Free-text values pass through.
func labelFor(field Field, value string) string {
	parts := strings.Split(value, ", ")
	for i, p := range parts {
		for _, o := range field.Options {
			if o.Value == p {
				parts[i] = o.Label
				break
			}
		}
	}
	return strings.Join(parts, ", ")
}
