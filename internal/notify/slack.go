package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"github.com/medic-monitor/medic/internal/database"
	"github.com/medic-monitor/medic/internal/utils"
)

// Chat sends formatted failure/recovery messages to the chat system.
type Chat interface {
	SendFailure(ctx context.Context, svc *database.Service, alert *database.Alert, severity Severity) error
	SendRecovery(ctx context.Context, svc *database.Service, alert *database.Alert, downFor time.Duration) error
}

// SlackNotifier posts alert messages and approval prompts to a Slack channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier creates a notifier posting to the given channel.
func NewSlackNotifier(client *slack.Client, channel string) *SlackNotifier {
	return &SlackNotifier{client: client, channel: channel}
}

func severityEmoji(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return ":red_circle:"
	case SeverityError:
		return ":large_orange_circle:"
	case SeverityWarning:
		return ":large_yellow_circle:"
	default:
		return ":large_blue_circle:"
	}
}

// SendFailure implements Chat.
func (n *SlackNotifier) SendFailure(ctx context.Context, svc *database.Service, alert *database.Alert, severity Severity) error {
	header := fmt.Sprintf("%s *%s is DOWN*", severityEmoji(severity), svc.ServiceName)

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Priority*\n%s", svc.Priority), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Team*\n%s", orDash(svc.Team)), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Missed cycles*\n%d", alert.AlertCycle), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Incident key*\n`%s`", alert.ExternalReferenceID), false, false),
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, header, false, false), nil, nil),
		slack.NewSectionBlock(nil, fields, nil),
	}
	if svc.Runbook != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("Runbook: <%s>", svc.Runbook), false, false)))
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("failed to post failure message: %w", err)
	}
	return nil
}

// SendRecovery implements Chat.
func (n *SlackNotifier) SendRecovery(ctx context.Context, svc *database.Service, alert *database.Alert, downFor time.Duration) error {
	text := fmt.Sprintf(":large_green_circle: *%s has RECOVERED* after %s (incident `%s`)",
		svc.ServiceName, utils.FormatDuration(downFor), alert.ExternalReferenceID)

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionBlocks(slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)))
	if err != nil {
		return fmt.Errorf("failed to post recovery message: %w", err)
	}
	return nil
}

// SendApprovalPrompt posts an interactive approve/reject prompt for a
// pending playbook execution. Button action values carry the approval
// request ID; decisions arrive on the interaction webhook.
func (n *SlackNotifier) SendApprovalPrompt(ctx context.Context, approvalID uint, playbookName, serviceName string, expiresAt *time.Time) error {
	text := fmt.Sprintf(":hourglass: Playbook *%s* wants to run against *%s* and needs approval.", playbookName, serviceName)
	if expiresAt != nil {
		text += fmt.Sprintf("\nExpires at %s.", expiresAt.UTC().Format(time.RFC3339))
	}

	approve := slack.NewButtonBlockElement("approve_playbook", fmt.Sprintf("%d", approvalID),
		slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false))
	approve.Style = slack.StylePrimary
	reject := slack.NewButtonBlockElement("reject_playbook", fmt.Sprintf("%d", approvalID),
		slack.NewTextBlockObject(slack.PlainTextType, "Reject", false, false))
	reject.Style = slack.StyleDanger

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		slack.NewActionBlock("playbook_approval", approve, reject),
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("failed to post approval prompt: %w", err)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
