package template

import (
	"context"
	"errors"
	"fmt"
	"strings"
	texttemplate "text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nudgeops/nudged/internal/channel"
	"github.com/nudgeops/nudged/pkg/cerr"
	"github.com/nudgeops/nudged/pkg/storage"
)

// Variables are the values a reminder template may reference.
type Variables struct {
	Username              string
	ItemName              string
	ItemURL               string
	DueDate               string
	CurrentDate           string
	DaysSinceLastActivity int
}

// Renderer produces the message for one template and variable set.
type Renderer interface {
	Render(ctx context.Context, templateID string, vars Variables) (channel.Message, error)
}

// TemplateID returns the template used for a channel's reminders.
func TemplateID(ch channel.Channel) string {
	return "reminder_" + string(ch)
}

const templatesPrefix = "templates"

type templateDoc struct {
	Subject string `yaml:"subject,omitempty"`
	Body    string `yaml:"body"`
}

// StorageRenderer renders text/template documents. Deployments may
// override any template by writing templates/<id>.yaml to storage;
// otherwise the built-in defaults apply.
type StorageRenderer struct {
	storage storage.Storage
}

func NewStorageRenderer(s storage.Storage) *StorageRenderer {
	return &StorageRenderer{storage: s}
}

var defaultTemplates = map[string]templateDoc{
	TemplateID(channel.Comment): {
		Body: "@{{.Username}} gentle reminder: {{.ItemName}} is waiting on you ({{.DaysSinceLastActivity}} days without activity).",
	},
	TemplateID(channel.Email): {
		Subject: "Reminder: {{.ItemName}} needs your attention",
		Body: "Hi {{.Username}},\n\n" +
			"{{.ItemName}} has had no activity for {{.DaysSinceLastActivity}} days" +
			"{{if .DueDate}} and is due {{.DueDate}}{{end}}.\n\n" +
			"{{if .ItemURL}}{{.ItemURL}}\n\n{{end}}" +
			"Sent {{.CurrentDate}}.",
	},
	TemplateID(channel.SMS): {
		Body: "Reminder: {{.ItemName}} needs your attention{{if .ItemURL}} {{.ItemURL}}{{end}}",
	},
	TemplateID(channel.WhatsApp): {
		Body: "Reminder: {{.ItemName}} needs your attention{{if .ItemURL}} {{.ItemURL}}{{end}}",
	},
	TemplateID(channel.Push): {
		Subject: "Reminder",
		Body:    "{{.ItemName}} is waiting on you",
	},
}

func (r *StorageRenderer) Render(ctx context.Context, templateID string, vars Variables) (channel.Message, error) {
	doc, err := r.load(ctx, templateID)
	if err != nil {
		return channel.Message{}, err
	}

	subject, err := execute(templateID+":subject", doc.Subject, vars)
	if err != nil {
		return channel.Message{}, err
	}
	body, err := execute(templateID+":body", doc.Body, vars)
	if err != nil {
		return channel.Message{}, err
	}
	return channel.Message{Subject: subject, Body: body}, nil
}

func (r *StorageRenderer) load(ctx context.Context, templateID string) (templateDoc, error) {
	data, err := r.storage.Read(ctx, fmt.Sprintf("%s/%s.yaml", templatesPrefix, templateID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if doc, ok := defaultTemplates[templateID]; ok {
				return doc, nil
			}
			return templateDoc{}, cerr.NewError(cerr.NotFound, fmt.Sprintf("template %s not found", templateID), nil)
		}
		return templateDoc{}, cerr.WrapStorageReadError("template", err)
	}
	var doc templateDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return templateDoc{}, cerr.NewError(cerr.Internal, "storage error", fmt.Errorf("failed to unmarshal template %s: %w", templateID, err))
	}
	return doc, nil
}

func execute(name, text string, vars Variables) (string, error) {
	if text == "" {
		return "", nil
	}
	tmpl, err := texttemplate.New(name).Parse(text)
	if err != nil {
		return "", cerr.NewError(cerr.Configuration, fmt.Sprintf("template %s is invalid", name), err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", cerr.NewError(cerr.Configuration, fmt.Sprintf("template %s failed to render", name), err)
	}
	return sb.String(), nil
}

// BuildVariables assembles the variable set for an item at now.
func BuildVariables(username, itemName, itemURL string, dueDate *time.Time, lastActivityAt, now time.Time) Variables {
	vars := Variables{
		Username:    username,
		ItemName:    itemName,
		ItemURL:     itemURL,
		CurrentDate: now.Format("2006-01-02"),
	}
	if dueDate != nil {
		vars.DueDate = dueDate.Format("2006-01-02")
	}
	if !lastActivityAt.IsZero() {
		vars.DaysSinceLastActivity = int(now.Sub(lastActivityAt).Hours() / 24)
	}
	return vars
}
