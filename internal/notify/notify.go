// Package notify subscribes to the reMarkable Cloud change notification
// socket and decodes document events.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/tonimelisma/rmcloud/internal/rmapi"
)

const notificationsPath = "/notifications/ws/json/1"

// Event types sent by the service.
const (
	EventDocAdded   = "DocAdded"
	EventDocDeleted = "DocDeleted"
)

const (
	maxMessageSize   = 1 << 20
	reconnectInitial = 1 * time.Second
	reconnectMax     = 60 * time.Second
)

// Event is one document change.
type Event struct {
	Type             string
	ID               string
	Parent           string
	Name             string
	DocType          string
	Version          int
	Bookmarked       bool
	SourceDeviceID   string
	SourceDeviceDesc string
	MessageID        string
	PublishTime      time.Time
}

// wsMessage mirrors the socket payload. Attribute values are all strings.
type wsMessage struct {
	Message struct {
		Attributes struct {
			Bookmarked       string `json:"bookmarked"`
			Event            string `json:"event"`
			ID               string `json:"id"`
			Parent           string `json:"parent"`
			SourceDeviceDesc string `json:"sourceDeviceDesc"`
			SourceDeviceID   string `json:"sourceDeviceID"`
			Type             string `json:"type"`
			Version          string `json:"version"`
			VissibleName     string `json:"vissibleName"` //nolint:misspell // service spelling
		} `json:"attributes"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
}

// Decode parses one socket message.
func Decode(data []byte) (Event, error) {
	var m wsMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Event{}, fmt.Errorf("notify: decoding message: %w", err)
	}

	a := m.Message.Attributes
	if a.Event == "" {
		return Event{}, errors.New("notify: message has no event type")
	}

	ev := Event{
		Type:             a.Event,
		ID:               a.ID,
		Parent:           a.Parent,
		Name:             a.VissibleName,
		DocType:          a.Type,
		SourceDeviceID:   a.SourceDeviceID,
		SourceDeviceDesc: a.SourceDeviceDesc,
		MessageID:        m.Message.MessageID,
		Bookmarked:       a.Bookmarked == "true",
	}

	if a.Version != "" {
		v, err := strconv.Atoi(a.Version)
		if err != nil {
			return Event{}, fmt.Errorf("notify: bad version %q: %w", a.Version, err)
		}

		ev.Version = v
	}

	if t, err := time.Parse(time.RFC3339Nano, m.Message.PublishTime); err == nil {
		ev.PublishTime = t
	}

	return ev, nil
}

// SocketURL turns the auth service URL into the notification socket URL.
func SocketURL(authURL string) string {
	u := strings.TrimRight(authURL, "/")

	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	return u + notificationsPath
}

// Subscriber holds a notification socket open and reconnects when it drops.
type Subscriber struct {
	url        string
	tokens     rmapi.TokenSource
	httpClient *http.Client
	logger     *slog.Logger
	sleepFunc  func(ctx context.Context, d time.Duration) error
}

// New creates a Subscriber for the given auth service URL.
func New(authURL string, tokens rmapi.TokenSource, httpClient *http.Client, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}

	return &Subscriber{
		url:        SocketURL(authURL),
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// Run delivers events to handle until ctx is canceled, reconnecting with
// backoff after network failures. It returns nil on cancellation and an
// error when the service rejects the credentials.
func (s *Subscriber) Run(ctx context.Context, handle func(Event)) error {
	backoff := reconnectInitial

	for {
		received, err := s.session(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, rmapi.ErrUnauthorized) || errors.Is(err, rmapi.ErrNotLoggedIn) {
			return err
		}

		if received {
			backoff = reconnectInitial
		}

		s.logger.Warn("notification socket closed, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", backoff),
		)

		if err := s.sleepFunc(ctx, backoff); err != nil {
			return nil
		}

		backoff = min(backoff*2, reconnectMax)
	}
}

// session runs one connection. received reports whether any message
// arrived, which resets the reconnect backoff.
func (s *Subscriber) session(ctx context.Context, handle func(Event)) (received bool, err error) {
	tok, err := s.tokens.Token()
	if err != nil {
		return false, fmt.Errorf("notify: obtaining token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)

	conn, resp, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, fmt.Errorf("notify: %w", rmapi.ErrUnauthorized)
		}

		return false, fmt.Errorf("notify: dialing: %w", err)
	}
	defer conn.CloseNow() //nolint:errcheck // best-effort teardown

	conn.SetReadLimit(maxMessageSize)
	s.logger.Info("notification socket connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return received, errors.New("notify: server closed the socket")
			}

			return received, fmt.Errorf("notify: reading: %w", err)
		}

		received = true

		ev, err := Decode(data)
		if err != nil {
			s.logger.Warn("skipping undecodable notification", slog.String("error", err.Error()))
			continue
		}

		s.logger.Debug("notification received",
			slog.String("event", ev.Type),
			slog.String("id", ev.ID),
		)

		handle(ev)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
