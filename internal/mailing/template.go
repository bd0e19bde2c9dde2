package mailing

import (
	"fmt"
	"html"
	"strings"

	"github.com/osteele/liquid"
)

// newsletterTemplate is the HTML shell for every newsletter email. Content
// paragraphs and the recipient greeting are bound at render time; the
// unsubscribe link must appear verbatim so the recipient's token round-trips.
const newsletterTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="background-color:#f6f9fc;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,'Helvetica Neue',Ubuntu,sans-serif;">
<div style="background-color:#ffffff;margin:0 auto;padding:20px 0 48px;max-width:600px;">
  <div style="padding:20px 40px;background-color:#2563eb;border-radius:8px 8px 0 0;">
    <h1 style="color:#ffffff;font-size:24px;margin:0 0 8px 0;text-align:center;">Community Hub</h1>
    <p style="color:#e0e7ff;font-size:16px;margin:0;text-align:center;">Newsletter</p>
  </div>
  <div style="padding:20px 40px 0;">
    <p style="color:#374151;font-size:16px;line-height:1.5;margin:0;">{{ greeting }}</p>
  </div>
  <div style="padding:20px 40px 0;">
    <h2 style="color:#111827;font-size:28px;line-height:1.3;margin:0;">{{ title }}</h2>
  </div>
  <div style="padding:20px 40px;">
{%- for paragraph in paragraphs %}
    <p style="color:#374151;font-size:16px;line-height:1.6;margin:0 0 16px 0;">{{ paragraph }}</p>
{%- endfor %}
  </div>
  <div style="padding:20px 40px;background-color:#f9fafb;margin:0 40px;border-radius:8px;">
    <p style="color:#6b7280;font-size:14px;font-style:italic;line-height:1.5;margin:0;text-align:center;">Stay connected with your community! Visit our website for more updates and events.</p>
  </div>
  <hr style="border-color:#e5e7eb;margin:40px 40px 20px;">
  <div style="padding:0 40px;">
    <p style="color:#6b7280;font-size:12px;line-height:1.5;margin:0 0 8px 0;text-align:center;">You're receiving this email because you subscribed to the Community Hub newsletter.</p>
    <p style="color:#6b7280;font-size:12px;line-height:1.5;margin:0 0 8px 0;text-align:center;"><a href="{{ unsubscribe_url }}" style="color:#2563eb;text-decoration:underline;">Unsubscribe from these emails</a></p>
    <p style="color:#6b7280;font-size:12px;line-height:1.5;margin:0 0 8px 0;text-align:center;">&copy; 2025 Community Hub. All rights reserved.</p>
  </div>
</div>
</body>
</html>`

// TemplateRenderer renders newsletter emails from the Liquid template above.
// Pure and deterministic: no I/O, safe for concurrent use.
type TemplateRenderer struct {
	engine   *liquid.Engine
	template *liquid.Template
}

// NewTemplateRenderer parses the newsletter template once.
func NewTemplateRenderer() (*TemplateRenderer, error) {
	engine := liquid.NewEngine()
	tmpl, err := engine.ParseString(newsletterTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse newsletter template: %w", err)
	}
	return &TemplateRenderer{engine: engine, template: tmpl}, nil
}

// Render produces the final HTML body for one recipient. Empty content
// renders as a newsletter with no body sections. The unsubscribe URL is
// embedded verbatim; everything else is HTML-escaped.
func (r *TemplateRenderer) Render(title, content, recipientName, unsubscribeURL string) (string, error) {
	greeting := "Hello,"
	if recipientName != "" {
		greeting = fmt.Sprintf("Hi %s,", html.EscapeString(recipientName))
	}

	var paragraphs []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paragraphs = append(paragraphs, html.EscapeString(line))
		}
	}

	bindings := map[string]interface{}{
		"greeting":        greeting,
		"title":           html.EscapeString(title),
		"paragraphs":      paragraphs,
		"unsubscribe_url": unsubscribeURL,
	}

	out, err := r.template.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render newsletter: %w", err)
	}
	return out, nil
}
