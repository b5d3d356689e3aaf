// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"continuumops/src/config"
	"continuumops/src/model"
)

const telegramAPI = "https://api.telegram.org"

func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func statusColor(s model.TaskStatus) string {
	switch s {
	case model.TaskSuccessStatus:
		return "2EB886"
	case model.TaskStoppedStatus:
		return "A0A0A0"
	}
	return "DA3B01"
}

// Slack posts to an incoming webhook.
type Slack struct {
	URL    string
	Client *http.Client
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, p Payload) error {
	return postJSON(ctx, s.Client, s.URL, map[string]any{
		"text": p.Title(),
		"attachments": []map[string]any{{
			"color": "#" + statusColor(p.Status),
			"text":  strings.Join(p.Lines(), "\n"),
		}},
	})
}

// Teams posts a MessageCard to an incoming webhook.
type Teams struct {
	URL    string
	Client *http.Client
}

func (t *Teams) Name() string { return "teams" }

func (t *Teams) Send(ctx context.Context, p Payload) error {
	return postJSON(ctx, t.Client, t.URL, map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"summary":    p.Title(),
		"title":      p.Title(),
		"themeColor": statusColor(p.Status),
		"text":       strings.Join(p.Lines(), "<br>"),
	})
}

// Telegram uses the bot API sendMessage method.
type Telegram struct {
	Token  string
	ChatID string
	// BaseURL defaults to the public bot API.
	BaseURL string
	Client  *http.Client
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, p Payload) error {
	chat := t.ChatID
	if p.Chat != "" {
		chat = p.Chat
	}
	if chat == "" {
		return errors.New("no telegram chat configured")
	}
	base := t.BaseURL
	if base == "" {
		base = telegramAPI
	}
	lines := make([]string, 0, len(p.Lines())+1)
	lines = append(lines, "<b>"+html.EscapeString(p.Title())+"</b>")
	for _, l := range p.Lines() {
		lines = append(lines, html.EscapeString(l))
	}
	return postJSON(ctx, t.Client, fmt.Sprintf("%s/bot%s/sendMessage", base, t.Token), map[string]any{
		"chat_id":    chat,
		"text":       strings.Join(lines, "\n"),
		"parse_mode": "HTML",
	})
}

// Webhook posts the raw payload.
type Webhook struct {
	URL    string
	Client *http.Client
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, p Payload) error {
	return postJSON(ctx, w.Client, w.URL, p)
}

// Email sends a plain text message over SMTP.
type Email struct {
	Config config.EmailConfig
	// send is smtp.SendMail unless replaced in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (e *Email) Name() string { return "email" }

func (e *Email) Send(ctx context.Context, p Payload) error {
	port := e.Config.Port
	if port == 0 {
		port = 25
	}
	addr := net.JoinHostPort(e.Config.Host, strconv.Itoa(port))
	var auth smtp.Auth
	if e.Config.Username != "" {
		auth = smtp.PlainAuth("", e.Config.Username, e.Config.Password, e.Config.Host)
	}
	send := e.send
	if send == nil {
		send = smtp.SendMail
	}

	msg := renderMail(e.Config.From, e.Config.To, p)
	done := make(chan error, 1)
	go func() { done <- send(addr, auth, e.Config.From, e.Config.To, msg) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func renderMail(from string, to []string, p Payload) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", p.Title())
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	for _, l := range p.Lines() {
		b.WriteString(l + "\r\n")
	}
	return []byte(b.String())
}
