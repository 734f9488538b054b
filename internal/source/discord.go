// Package source polls a Discord channel for trade alerts.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/models"
)

const (
	defaultBaseURL    = "https://discord.com/api/v9"
	defaultFetchLimit = 10
	defaultTimeout    = 10 * time.Second
	maxErrorBody      = 4 << 10
)

// ErrUnauthorized is returned when Discord rejects the token.
var ErrUnauthorized = errors.New("discord: invalid token")

// MessageLog tracks which message ids were already handed out.
type MessageLog interface {
	IsProcessed(ctx context.Context, id string) (bool, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
}

// Config configures a Discord source.
type Config struct {
	Token     string
	ChannelID string
	// FetchLimit is how many recent messages each poll requests.
	FetchLimit int
	// TodayOnly drops messages not posted on the current local date.
	TodayOnly bool
	BaseURL   string
	Location  *time.Location
}

// Discord is a MessageSource backed by the Discord REST API.
type Discord struct {
	client *http.Client
	cfg    Config
	seen   MessageLog
	now    func() time.Time
	logger logrus.FieldLogger
}

type apiMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Embeds    []struct {
		Description string `json:"description"`
	} `json:"embeds"`
}

type apiUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// NewDiscord creates a source. seen is consulted and updated on every fetch.
func NewDiscord(cfg Config, seen MessageLog, logger logrus.FieldLogger) (*Discord, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	if cfg.ChannelID == "" {
		return nil, errors.New("discord: channel id is required")
	}
	if seen == nil {
		return nil, errors.New("discord: message log is required")
	}
	if cfg.FetchLimit <= 0 || cfg.FetchLimit > 100 {
		cfg.FetchLimit = defaultFetchLimit
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Discord{
		client: &http.Client{Timeout: defaultTimeout},
		cfg:    cfg,
		seen:   seen,
		now:    time.Now,
		logger: logger.WithFields(logrus.Fields{"component": "discord", "channel_id": cfg.ChannelID}),
	}, nil
}

// WithClock overrides the clock used for the today filter.
func (d *Discord) WithClock(now func() time.Time) *Discord {
	if now != nil {
		d.now = now
	}
	return d
}

// WithHTTPClient overrides the HTTP client.
func (d *Discord) WithHTTPClient(c *http.Client) *Discord {
	if c != nil {
		d.client = c
	}
	return d
}

// Connect verifies the token.
func (d *Discord) Connect(ctx context.Context) error {
	var user apiUser
	if err := d.get(ctx, "/users/@me", nil, &user); err != nil {
		return fmt.Errorf("connect to discord: %w", err)
	}
	d.logger.WithField("username", user.Username).Info("Connected to Discord")
	return nil
}

// Fetch returns messages not seen before, oldest first. Each returned id is
// recorded before it is returned, so a crash mid-batch never replays a trade.
func (d *Discord) Fetch(ctx context.Context) ([]models.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(d.cfg.FetchLimit))

	var raw []apiMessage
	if err := d.get(ctx, "/channels/"+url.PathEscape(d.cfg.ChannelID)+"/messages", q, &raw); err != nil {
		return nil, err
	}

	today := civilDate(d.now().In(d.cfg.Location))
	var (
		out      []models.Message
		filtered int
	)
	for _, m := range raw {
		if m.ID == "" {
			continue
		}
		seen, err := d.seen.IsProcessed(ctx, m.ID)
		if err != nil {
			return out, fmt.Errorf("check message %s: %w", m.ID, err)
		}
		if seen {
			continue
		}

		ts, err := time.Parse(time.RFC3339Nano, m.Timestamp)
		if err != nil {
			d.logger.WithField("message_id", m.ID).Warn("Message has no usable timestamp, skipping")
			continue
		}
		if d.cfg.TodayOnly && civilDate(ts.In(d.cfg.Location)) != today {
			filtered++
			continue
		}

		if err := d.seen.MarkProcessed(ctx, m.ID, d.now()); err != nil {
			return out, fmt.Errorf("mark message %s: %w", m.ID, err)
		}
		out = append(out, models.Message{ID: m.ID, Text: m.text(), ObservedAt: ts})
	}

	if filtered > 0 {
		d.logger.WithField("count", filtered).Debug("Filtered messages from previous days")
	}
	sort.SliceStable(out, func(i, j int) bool { return olderThan(out[i], out[j]) })
	if len(out) > 0 {
		d.logger.WithField("count", len(out)).Info("Found new messages")
	}
	return out, nil
}

// text joins the message content with any embed descriptions.
func (m apiMessage) text() string {
	parts := []string{m.Content}
	for _, e := range m.Embeds {
		if e.Description != "" {
			parts = append(parts, e.Description)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// olderThan orders by timestamp, then by snowflake id.
func olderThan(a, b models.Message) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.Before(b.ObservedAt)
	}
	ai, aerr := strconv.ParseUint(a.ID, 10, 64)
	bi, berr := strconv.ParseUint(b.ID, 10, 64)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a.ID < b.ID
}

func civilDate(t time.Time) string {
	return t.Format("2006-01-02")
}

func (d *Discord) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := d.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	// user tokens are sent bare, without a scheme
	req.Header.Set("Authorization", d.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("discord %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode discord response: %w", err)
	}
	return nil
}
