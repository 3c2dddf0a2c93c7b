package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log"
	"net/smtp"

	"github.com/pliu/chatbridge/internal/events"
)

type Sender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSender(host, port, username, password, from string) *Sender {
	return &Sender{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		sendMail: smtp.SendMail,
	}
}

const layout = `
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; border: 1px solid #ddd; border-radius: 5px; }
        .header { background-color: #075e54; color: white; padding: 10px; text-align: center; border-radius: 5px 5px 0 0; }
        .content { padding: 20px; }
        .mono { font-family: monospace; background: #f4f4f4; padding: 2px 4px; }
        .footer { margin-top: 20px; font-size: 0.8em; color: #777; text-align: center; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>{{template "title" .}}</h1>
        </div>
        <div class="content">
            {{template "body" .}}
        </div>
        <div class="footer">
            <p>Sent by chatbridge</p>
        </div>
    </div>
</body>
</html>
`

const approvalTemplate = `
{{define "title"}}Device approval needed{{end}}
{{define "body"}}
<p>A new device is asking to sign in as <b>{{.Request.Phone}}</b>.</p>
<p>Platform: {{.Request.DeviceInfo.Platform}} {{.Request.DeviceInfo.Model}}<br>
Fingerprint: <span class="mono">{{.Request.DeviceFingerprint}}</span></p>
<p>Request id: <span class="mono">{{.Request.ID}}</span></p>
<p>Approve it with <span class="mono">chatbridge approvals approve {{.Request.ID}}</span> or through the admin API.</p>
{{end}}
`

const contactTemplate = `
{{define "title"}}New external contact{{end}}
{{define "body"}}
<p><b>{{.Contact.Address}}</b>{{if .PushName}} ({{.PushName}}){{end}} sent a message but has no account.</p>
<p>The sender was asked to register. Their message was not stored.</p>
{{end}}
`

var templates = map[events.Kind]*template.Template{
	events.DeviceApprovalRequested: template.Must(template.Must(template.New("layout").Parse(layout)).Parse(approvalTemplate)),
	events.NewExternalContact:      template.Must(template.Must(template.New("layout").Parse(layout)).Parse(contactTemplate)),
}

var subjects = map[events.Kind]string{
	events.DeviceApprovalRequested: "chatbridge: device approval needed",
	events.NewExternalContact:      "chatbridge: new external contact",
}

// Send renders the template for kind with data and mails it.
func (s *Sender) Send(to string, kind events.Kind, data any) error {
	t, ok := templates[kind]
	if !ok {
		return fmt.Errorf("no email template for %s", kind)
	}
	var body bytes.Buffer
	if err := t.Execute(&body, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	// Email headers
	headers := [][2]string{
		{"From", s.From},
		{"To", to},
		{"Subject", subjects[kind]},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/html; charset=\"UTF-8\""},
	}
	message := ""
	for _, h := range headers {
		message += fmt.Sprintf("%s: %s\r\n", h[0], h[1])
	}
	message += "\r\n" + body.String()

	// Without a host, log instead of sending.
	if s.Host == "" {
		log.Printf("MOCK EMAIL TO: %s SUBJECT: %s\n%s", to, subjects[kind], body.String())
		return nil
	}

	auth := smtp.PlainAuth("", s.Username, s.Password, s.Host)
	addr := fmt.Sprintf("%s:%s", s.Host, s.Port)
	return s.sendMail(addr, auth, s.From, []string{to}, []byte(message))
}

// Notifier mails the administrator about approval requests and unknown
// external senders.
type Notifier struct {
	Sender *Sender
	Admin  string
}

// Run consumes sub until ctx ends or the subscription closes.
func (n *Notifier) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			n.handle(e)
		}
	}
}

func (n *Notifier) handle(e events.Event) {
	if _, ok := templates[e.Kind]; !ok || n.Admin == "" {
		return
	}
	if err := n.Sender.Send(n.Admin, e.Kind, e.Payload); err != nil {
		log.Printf("Error sending %s email: %v", e.Kind, err)
	}
}
