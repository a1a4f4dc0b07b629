package notify

import (
	"bytes"
	"fmt"
	"html/template"
	texttemplate "text/template"
)

// Kind selects the message template.
type Kind string

const (
	KindEndorsementInvite   Kind = "endorsement_invite"
	KindEndorsementAccepted Kind = "endorsement_accepted"
	KindSuggestionMerged    Kind = "suggestion_merged"
	KindMergeCancelled      Kind = "merge_cancelled"
)

type messageTemplate struct {
	subject *texttemplate.Template
	body    *template.Template
}

const layout = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #7a1f1f; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 10px 20px; color: white; text-decoration: none; border-radius: 4px; margin: 10px 10px 10px 0; }
        .accept { background: #1f7a3a; }
        .reject { background: #7a1f1f; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header"><h1>{{.app_name}}</h1></div>
    {{template "content" .}}
    <div class="footer"><p>This message was sent automatically by {{.app_name}}.</p></div>
</body>
</html>`

var templates = map[Kind]messageTemplate{
	KindEndorsementInvite: mustTemplate("Co-signing request: {{.suggestion_title}}", `
    <p>Dear {{.recipient_name}},</p>
    <p>{{.inviter_name}} has asked you to co-sign the suggestion <strong>{{.suggestion_title}}</strong>.</p>
    <p>
        <a class="button accept" href="{{.accept_url}}">Co-sign</a>
        <a class="button reject" href="{{.reject_url}}">Decline</a>
    </p>
    <p>The links are personal and expire on {{.expires_at}}.</p>`),
	KindEndorsementAccepted: mustTemplate("{{.invitee_name}} co-signed {{.suggestion_title}}", `
    <p>Dear {{.recipient_name}},</p>
    <p>{{.invitee_name}} accepted your invitation and now co-signs <strong>{{.suggestion_title}}</strong>.</p>`),
	KindSuggestionMerged: mustTemplate("Your suggestion was filed as {{.formal_code}}", `
    <p>Dear {{.recipient_name}},</p>
    <p>Your suggestion <strong>{{.suggestion_title}}</strong> is now part of formal proposal
    <strong>{{.formal_code}} {{.formal_title}}</strong>.</p>`),
	KindMergeCancelled: mustTemplate("Formal proposal {{.formal_code}} was withdrawn", `
    <p>Dear {{.recipient_name}},</p>
    <p>Formal proposal <strong>{{.formal_code}}</strong> was withdrawn. Your suggestion
    <strong>{{.suggestion_title}}</strong> is back in the review queue.</p>`),
}

func mustTemplate(subject, content string) messageTemplate {
	body := template.Must(template.New("layout").Option("missingkey=zero").Parse(layout))
	template.Must(body.New("content").Parse(content))
	return messageTemplate{
		subject: texttemplate.Must(texttemplate.New("subject").Option("missingkey=zero").Parse(subject)),
		body:    body,
	}
}

// Render produces the subject line and HTML body for kind.
func Render(kind Kind, params map[string]string) (string, string, error) {
	tmpl, ok := templates[kind]
	if !ok {
		return "", "", fmt.Errorf("unknown notification kind %q", kind)
	}
	data := map[string]string{"app_name": "Docket"}
	for k, v := range params {
		data[k] = v
	}

	var subjectBuf bytes.Buffer
	if err := tmpl.subject.Execute(&subjectBuf, data); err != nil {
		return "", "", fmt.Errorf("render subject %s: %w", kind, err)
	}

	var body bytes.Buffer
	if err := tmpl.body.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("render body %s: %w", kind, err)
	}
	return subjectBuf.String(), body.String(), nil
}
