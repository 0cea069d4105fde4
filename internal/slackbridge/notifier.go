// Package slackbridge connects conversations to the support team's Slack channel.
// Each conversation is mirrored into its own thread; agents reply in the thread and
// use message buttons to take over or close the conversation.
package slackbridge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/martechdevs/livechat/internal/model"
	"github.com/martechdevs/livechat/pkg/logger"
)

// Action ids of the handoff card buttons.
const (
	ActionTakeover = "takeover"
	ActionClose    = "close"

	handoffBlockID = "handoff_actions"
)

// ErrNoThread is returned when a conversation has no Slack thread to post into.
var ErrNoThread = errors.New("conversation has no slack thread")

// SlackAPI is the subset of *slack.Client the bridge uses.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetUserInfoContext(ctx context.Context, userID string) (*slack.User, error)
}

// Notifier posts conversation activity to Slack.
type Notifier struct {
	api       SlackAPI
	channelID string
	logger    *logger.Logger
}

// NewNotifier creates a notifier posting new threads to channelID.
func NewNotifier(api SlackAPI, channelID string, log *logger.Logger) *Notifier {
	return &Notifier{
		api:       api,
		channelID: channelID,
		logger:    log.Named("slack"),
	}
}

// CreateThread posts the visitor summary that opens a conversation's thread.
func (n *Notifier) CreateThread(ctx context.Context, conv *model.Conversation) (string, string, error) {
	summary := summarizeVisitor(conv.CustomerMetadata)

	text := "*New Conversation*\n" + summary.headline
	if summary.details != "" {
		text += "\n" + summary.details
	}
	text += "\n" + summary.page

	channelID, ts, err := n.api.PostMessageContext(ctx, n.channelID,
		slack.MsgOptionText("New conversation: "+summary.headline, false),
		slack.MsgOptionBlocks(
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		),
	)
	if err != nil {
		return "", "", fmt.Errorf("failed to open slack thread: %w", err)
	}
	return channelID, ts, nil
}

var senderPrefixes = map[model.SenderType]string{
	model.SenderCustomer: "👤 *Customer:*",
	model.SenderAI:       "🤖 *AI:*",
	model.SenderHuman:    "👩‍💼 *Agent:*",
}

// MirrorMessage copies a message into the conversation's thread.
func (n *Notifier) MirrorMessage(ctx context.Context, conv *model.Conversation, msg *model.Message) error {
	return n.postInThread(ctx, conv,
		slack.MsgOptionText(senderPrefixes[msg.SenderType]+" "+msg.Content, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
}

// PostHandoffRequest posts the card agents use to take over or close the conversation.
func (n *Notifier) PostHandoffRequest(ctx context.Context, conv *model.Conversation, reason string) error {
	if reason == "" {
		reason = "AI needs human assistance."
	}

	takeover := slack.NewButtonBlockElement(ActionTakeover, conv.ID,
		slack.NewTextBlockObject(slack.PlainTextType, "✋ Take Over", true, false))
	takeover.Style = slack.StylePrimary
	closeBtn := slack.NewButtonBlockElement(ActionClose, conv.ID,
		slack.NewTextBlockObject(slack.PlainTextType, "✓ Close", true, false))

	return n.postInThread(ctx, conv,
		slack.MsgOptionText("🚨 Handoff requested", false),
		slack.MsgOptionBlocks(
			slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, "🚨 *Handoff Requested*\n"+reason, false, false), nil, nil),
			slack.NewActionBlock(handoffBlockID, takeover, closeBtn),
		),
	)
}

// PostStatusUpdate announces a mode change in the thread.
func (n *Notifier) PostStatusUpdate(ctx context.Context, conv *model.Conversation, status model.StatusUpdate, agentName string) error {
	var text string
	switch status {
	case model.StatusUpdateTakeover:
		text = fmt.Sprintf("✅ *%s* has taken over this conversation.", orDefault(agentName, "An agent"))
	case model.StatusUpdateClosed:
		text = fmt.Sprintf("🔒 Conversation closed by *%s*.", orDefault(agentName, "agent"))
	case model.StatusUpdateAIResumed:
		text = "🤖 AI has resumed handling this conversation."
	default:
		text = string(status)
	}
	return n.postInThread(ctx, conv, slack.MsgOptionText(text, false))
}

// PostQuoteSummary posts a completed quote request to the thread.
func (n *Notifier) PostQuoteSummary(ctx context.Context, conv *model.Conversation, email, summary string) error {
	body := fmt.Sprintf("*Customer Email:* %s\n\n%s",
		orDefault(email, "Not provided"), strings.ReplaceAll(summary, "**", "*"))

	return n.postInThread(ctx, conv,
		slack.MsgOptionText("📋 Quote Requested", false),
		slack.MsgOptionBlocks(
			slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "📋 Quote Requested", true, false)),
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, body, false, false), nil, nil),
		),
	)
}

// AgentName resolves a Slack user to a display name. Lookup failures fall back to "Agent".
func (n *Notifier) AgentName(ctx context.Context, userID string) string {
	user, err := n.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		n.logger.Debug("failed to look up slack user", zap.String("user_id", userID), zap.Error(err))
		return "Agent"
	}
	if user.RealName != "" {
		return user.RealName
	}
	if user.Name != "" {
		return user.Name
	}
	return "Agent"
}

func (n *Notifier) postInThread(ctx context.Context, conv *model.Conversation, options ...slack.MsgOption) error {
	if !conv.HasThread() {
		return ErrNoThread
	}
	options = append(options, slack.MsgOptionTS(conv.SlackThreadTS))
	if _, _, err := n.api.PostMessageContext(ctx, conv.SlackChannelID, options...); err != nil {
		return fmt.Errorf("failed to post to slack thread: %w", err)
	}
	return nil
}

type visitorSummary struct {
	headline string
	details  string
	page     string
}

// summarizeVisitor renders the widget's visitor metadata as two short lines and a page path.
func summarizeVisitor(meta map[string]any) visitorSummary {
	location := joinNonEmpty(", ", metaString(meta, "city"), metaString(meta, "country"))
	device := joinNonEmpty(" / ", metaString(meta, "os"), metaString(meta, "browser"))

	var resolution string
	if w, h := metaString(meta, "screen_width"), metaString(meta, "screen_height"); w != "" && h != "" {
		resolution = w + "x" + h
	}

	var referrer string
	if ref := metaString(meta, "referrer"); ref != "" && ref != "direct" {
		if host := referrerHost(ref); host != "" {
			referrer = "from " + host
		}
	}

	s := visitorSummary{
		headline: joinNonEmpty(" • ", location, device),
		details:  joinNonEmpty(" • ", resolution, referrer),
		page:     orDefault(metaString(meta, "current_page"), "/"),
	}
	if s.headline == "" {
		s.headline = "New visitor"
	}
	return s
}

func referrerHost(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		return u.Host
	}
	host, _, _ := strings.Cut(ref, "/")
	return host
}

func metaString(meta map[string]any, key string) string {
	switch v := meta[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%g", v)
	case int:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Nop is used when Slack is not configured. It accepts every call and posts nothing.
type Nop struct{}

func (Nop) CreateThread(context.Context, *model.Conversation) (string, string, error) {
	return "", "", nil
}

func (Nop) MirrorMessage(context.Context, *model.Conversation, *model.Message) error { return nil }

func (Nop) PostHandoffRequest(context.Context, *model.Conversation, string) error { return nil }

func (Nop) PostStatusUpdate(context.Context, *model.Conversation, model.StatusUpdate, string) error {
	return nil
}

func (Nop) PostQuoteSummary(context.Context, *model.Conversation, string, string) error { return nil }

func (Nop) AgentName(context.Context, string) string { return "Agent" }
