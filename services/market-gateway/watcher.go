package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// EventWatcher mirrors ledger events into the gateway database so REST
// clients can page through history without holding a node connection.
type EventWatcher struct {
	nodeURL       string
	store         *SQLiteStore
	logger        *slog.Logger
	retryInterval time.Duration
	nowFn         func() time.Time
}

func NewEventWatcher(nodeURL string, store *SQLiteStore, logger *slog.Logger) *EventWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventWatcher{
		nodeURL:       nodeURL,
		store:         store,
		logger:        logger,
		retryInterval: 5 * time.Second,
		nowFn:         time.Now,
	}
}

// streamEvent matches the wire shape of the node's event stream.
type streamEvent struct {
	Sequence uint64 `json:"sequence"`
	Event    struct {
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes"`
	} `json:"event"`
}

// Run connects to the node event stream and reconnects on failure until the
// context is cancelled. The cursor resumes from the last mirrored sequence.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.store == nil || strings.TrimSpace(w.nodeURL) == "" {
		return
	}
	for {
		if err := w.stream(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("event stream interrupted", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.retryInterval):
		}
	}
}

func (w *EventWatcher) stream(ctx context.Context) error {
	cursor, err := w.store.LastEventSequence(ctx)
	if err != nil {
		return err
	}
	endpoint, err := w.streamURL(cursor)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "watcher closed")
	conn.SetReadLimit(1 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var update streamEvent
		if err := json.Unmarshal(data, &update); err != nil {
			w.logger.Warn("skipping malformed event", slog.String("error", err.Error()))
			continue
		}
		if update.Sequence == 0 {
			continue
		}
		payload, err := json.Marshal(update.Event.Attributes)
		if err != nil {
			continue
		}
		stored := StoredEvent{
			Sequence:  update.Sequence,
			Type:      update.Event.Type,
			Payload:   string(payload),
			CreatedAt: w.nowFn().UTC(),
		}
		if err := w.store.InsertEvent(ctx, stored); err != nil {
			w.logger.Warn("failed to mirror event",
				slog.Uint64("sequence", update.Sequence),
				slog.String("error", err.Error()))
		}
	}
}

func (w *EventWatcher) streamURL(cursor uint64) (string, error) {
	parsed, err := url.Parse(w.nodeURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/ws/events"
	query := parsed.Query()
	if cursor > 0 {
		query.Set("cursor", strconv.FormatUint(cursor, 10))
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
