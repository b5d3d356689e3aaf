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

// Package alert delivers task completion notices to chat, mail and webhook
// channels. Delivery is best effort.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"continuumops/src/config"
	"continuumops/src/fault"
	"continuumops/src/logging"
	"continuumops/src/model"
)

var ErrRateLimited = errors.New("alert rate limit exceeded")

// Payload is the rendered notice of one finished task.
type Payload struct {
	Project       string           `json:"project"`
	ProjectID     int              `json:"project_id"`
	TemplateName  string           `json:"template_name"`
	TaskID        int              `json:"task_id"`
	Status        model.TaskStatus `json:"status"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	EndedAt       *time.Time       `json:"ended_at,omitempty"`
	CommitHash    string           `json:"commit_hash,omitempty"`
	CommitMessage string           `json:"commit_message,omitempty"`
	Version       string           `json:"version,omitempty"`
	Author        string           `json:"author,omitempty"`
	TaskURL       string           `json:"task_url"`

	// Chat overrides the configured telegram chat.
	Chat string `json:"-"`
}

func NewPayload(project model.Project, tpl model.Template, task model.Task, author, publicURL string) Payload {
	p := Payload{
		Project:       project.Name,
		ProjectID:     project.ID,
		TemplateName:  tpl.Name,
		TaskID:        task.ID,
		Status:        task.Status,
		StartedAt:     task.Start,
		EndedAt:       task.End,
		CommitMessage: task.CommitMessage,
		Author:        author,
		TaskURL:       task.GetURL(publicURL),
	}
	if task.CommitHash != nil {
		p.CommitHash = *task.CommitHash
	}
	if task.Version != nil {
		p.Version = *task.Version
	}
	if project.AlertChat != nil {
		p.Chat = *project.AlertChat
	}
	return p
}

// Title is the one-line summary used by every channel.
func (p Payload) Title() string {
	title := fmt.Sprintf("Task #%d %s %s", p.TaskID, p.TemplateName, strings.ToUpper(string(p.Status)))
	if p.Version != "" {
		title += " (" + p.Version + ")"
	}
	return title
}

// Lines renders the details shared by the text channels.
func (p Payload) Lines() []string {
	lines := []string{"Project: " + p.Project}
	if p.Author != "" {
		lines = append(lines, "Author: "+p.Author)
	}
	if p.CommitHash != "" {
		lines = append(lines, fmt.Sprintf("Commit: %s %s", shortHash(p.CommitHash), p.CommitMessage))
	}
	if p.StartedAt != nil && p.EndedAt != nil {
		lines = append(lines, "Duration: "+p.EndedAt.Sub(*p.StartedAt).Truncate(time.Second).String())
	}
	return append(lines, p.TaskURL)
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

// Channel delivers one payload.
type Channel interface {
	Name() string
	Send(ctx context.Context, p Payload) error
}

type limited struct {
	Channel
	limiter *rate.Limiter
}

type Dispatcher struct {
	channels []limited
	timeout  time.Duration
	metrics  *logging.Instruments
	logger   *slog.Logger
}

// NewDispatcher builds the channels enabled in cfg. A disabled config yields
// a dispatcher without channels.
func NewDispatcher(cfg config.AlertConfig, metrics *logging.Instruments) *Dispatcher {
	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	var channels []Channel
	if cfg.Enabled {
		if cfg.SlackURL != "" {
			channels = append(channels, &Slack{URL: cfg.SlackURL, Client: client})
		}
		if cfg.TeamsURL != "" {
			channels = append(channels, &Teams{URL: cfg.TeamsURL, Client: client})
		}
		if cfg.TelegramToken != "" {
			channels = append(channels, &Telegram{Token: cfg.TelegramToken, ChatID: cfg.TelegramChatID, Client: client})
		}
		if cfg.WebhookURL != "" {
			channels = append(channels, &Webhook{URL: cfg.WebhookURL, Client: client})
		}
		if cfg.Email.Host != "" && len(cfg.Email.To) > 0 {
			channels = append(channels, &Email{Config: cfg.Email})
		}
	}
	return New(channels, cfg, metrics)
}

// New wraps channels with the per-channel rate limit of cfg.
func New(channels []Channel, cfg config.AlertConfig, metrics *logging.Instruments) *Dispatcher {
	limit := rate.Inf
	burst := 1
	if cfg.PerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.PerMinute))
		burst = cfg.PerMinute
	}
	d := &Dispatcher{
		timeout: cfg.Timeout,
		metrics: metrics,
		logger:  logging.Logger().With(slog.String("component", "alert")),
	}
	if d.timeout <= 0 {
		d.timeout = 10 * time.Second
	}
	for _, ch := range channels {
		d.channels = append(d.channels, limited{Channel: ch, limiter: rate.NewLimiter(limit, burst)})
	}
	return d
}

// Enabled reports whether any channel is configured.
func (d *Dispatcher) Enabled() bool {
	return d != nil && len(d.channels) > 0
}

// Dispatch sends p to every channel concurrently. Failures are logged and
// counted and returned joined; they are never retried.
func (d *Dispatcher) Dispatch(ctx context.Context, p Payload) error {
	if !d.Enabled() {
		return nil
	}
	errs := make([]error, len(d.channels))
	var g errgroup.Group
	for i, ch := range d.channels {
		g.Go(func() error {
			errs[i] = d.send(ctx, ch, p)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, ch limited, p Payload) error {
	logger := d.logger.With(slog.String("channel", ch.Name()), slog.Int("task_id", p.TaskID))
	if !ch.limiter.Allow() {
		d.metrics.AlertFailed(ctx, ch.Name())
		logger.Warn("alert dropped by rate limit")
		return fault.New(fault.KindBackpressure, ch.Name(), ErrRateLimited)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := ch.Send(ctx, p); err != nil {
		d.metrics.AlertFailed(ctx, ch.Name())
		logger.Error("alert delivery failed", slog.String("error", err.Error()))
		return fault.Network(ch.Name(), err)
	}
	logger.Debug("alert delivered")
	return nil
}
