package domain

import (
	"fmt"
	"net/url"
	"time"
)

type ActionType string

const (
	ActionEmail        ActionType = "email"
	ActionNotification ActionType = "notification"
	ActionReport       ActionType = "report"
	ActionWebhook      ActionType = "webhook"
)

// Action is a tagged union over the supported side effects. Exactly one
// variant pointer matching Type is set; Validate rejects anything else
// so a misconfigured action fails at construction, not at dispatch.
type Action struct {
	Type ActionType `json:"type"`

	Email        *EmailAction        `json:"email,omitempty"`
	Notification *NotificationAction `json:"notification,omitempty"`
	Report       *ReportAction       `json:"report,omitempty"`
	Webhook      *WebhookAction      `json:"webhook,omitempty"`
}

type EmailAction struct {
	Subject    string   `json:"subject"`
	Recipients []string `json:"recipients"`
}

type NotificationAction struct {
	Message string `json:"message"`
}

// ReportAction generates a report artifact and mails it to Recipients.
type ReportAction struct {
	ReportID   string       `json:"reportId"`
	Format     OutputFormat `json:"format"`
	Recipients []string     `json:"recipients"`
}

type WebhookAction struct {
	URL             string        `json:"url"`
	Secret          string        `json:"secret,omitempty"`
	PayloadTemplate string        `json:"payloadTemplate,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
}

func (a Action) Validate() error {
	switch a.Type {
	case ActionEmail:
		if a.Email == nil {
			return fmt.Errorf("action: email config is required")
		}
		if len(a.Email.Recipients) == 0 {
			return fmt.Errorf("action: email recipients must not be empty")
		}
	case ActionNotification:
		if a.Notification == nil {
			return fmt.Errorf("action: notification config is required")
		}
		if a.Notification.Message == "" {
			return fmt.Errorf("action: notification message is required")
		}
	case ActionReport:
		if a.Report == nil {
			return fmt.Errorf("action: report config is required")
		}
		if a.Report.ReportID == "" {
			return fmt.Errorf("action: report id is required")
		}
		if len(a.Report.Recipients) == 0 {
			return fmt.Errorf("action: report recipients must not be empty")
		}
	case ActionWebhook:
		if a.Webhook == nil {
			return fmt.Errorf("action: webhook config is required")
		}
		u, err := url.Parse(a.Webhook.URL)
		if err != nil {
			return fmt.Errorf("action: invalid webhook url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("action: webhook url scheme must be http or https")
		}
	default:
		return fmt.Errorf("action: unknown type %q", a.Type)
	}
	return nil
}
