package gmail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"mailtriage/internal/model"
	"mailtriage/internal/provider"
)

// Client implements provider.MailClient against the Gmail API.
type Client struct {
	svc *gmail.Service
}

var _ provider.MailClient = (*Client)(nil)

// New builds a Gmail client from a live access token.
func New(ctx context.Context, accessToken string) (provider.MailClient, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	httpClient := oauth2.NewClient(ctx, src)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// ListMessages fetches up to max messages matching the Gmail query and
// normalizes their metadata. Bodies are never fetched, metadata only.
func (c *Client) ListMessages(ctx context.Context, query string, max int64) ([]model.Email, error) {
	call := c.svc.Users.Messages.List("me").IncludeSpamTrash(false).MaxResults(max)
	if query != "" {
		call = call.Q(query)
	}

	listed, err := call.Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	emails := make([]model.Email, 0, len(listed.Messages))
	for _, m := range listed.Messages {
		meta, err := c.svc.Users.Messages.Get("me", m.Id).
			Format("metadata").
			MetadataHeaders("From", "To", "Subject", "Date").
			Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("failed to get message %s: %w", m.Id, err)
		}
		emails = append(emails, normalize(meta))
	}
	return emails, nil
}

// ListLabels returns all labels on the account.
func (c *Client) ListLabels(ctx context.Context) ([]model.RemoteLabel, error) {
	resp, err := c.svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}

	labels := make([]model.RemoteLabel, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		labels = append(labels, model.RemoteLabel{ID: l.Id, Name: l.Name})
	}
	return labels, nil
}

// CreateLabel creates a user label and returns its id.
func (c *Client) CreateLabel(ctx context.Context, name, color string) (string, error) {
	label := &gmail.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
		Color: &gmail.LabelColor{
			BackgroundColor: color,
			TextColor:       "#ffffff",
		},
	}
	created, err := c.svc.Users.Labels.Create("me", label).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to create label %q: %w", name, err)
	}
	return created.Id, nil
}

// ApplyLabel adds a label to a message.
func (c *Client) ApplyLabel(ctx context.Context, remoteMessageID, labelID string) error {
	req := &gmail.ModifyMessageRequest{AddLabelIds: []string{labelID}}
	_, err := c.svc.Users.Messages.Modify("me", remoteMessageID, req).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to apply label to message %s: %w", remoteMessageID, err)
	}
	return nil
}

// normalize converts a Gmail message into the domain email.
func normalize(m *gmail.Message) model.Email {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	isRead := true
	for _, l := range m.LabelIds {
		if l == "UNREAD" {
			isRead = false
			break
		}
	}

	var recipients []string
	if to := headers["To"]; to != "" {
		for _, r := range strings.Split(to, ",") {
			recipients = append(recipients, strings.TrimSpace(r))
		}
	}

	return model.Email{
		RemoteID:     m.Id,
		ThreadID:     m.ThreadId,
		Sender:       headers["From"],
		Recipients:   recipients,
		Subject:      headers["Subject"],
		Snippet:      m.Snippet,
		ReceivedAt:   time.UnixMilli(m.InternalDate).UTC(),
		IsRead:       isRead,
		RemoteLabels: m.LabelIds,
	}
}
