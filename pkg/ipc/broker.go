package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/channel"
)

// Error codes returned in Response.Error, per spec §4.C.
const (
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeBadRequest  = "BAD_REQUEST"
	ErrCodeUnauthorized = "UNAUTHORIZED"
)

// ErrUnauthorized lets handlers signal a capability denial; the broker maps
// it onto Response.Error = UNAUTHORIZED.
var ErrUnauthorized = errors.New("ipc: unauthorized")

// ErrBadRequest lets handlers signal a malformed payload; the broker maps
// it onto Response.Error = BAD_REQUEST.
var ErrBadRequest = errors.New("ipc: bad request")

// Request is the envelope every file under tasks/ must parse as.
type Request struct {
	RequestID string          `json:"requestId"`
	Type      string          `json:"type"`
	IsMain    bool            `json:"isMain"`
	ProductID *string         `json:"productId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Response is written atomically to responses/<requestId>.json.
type Response struct {
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// OutboundMessage is the envelope every file under messages/ must parse as.
type OutboundMessage struct {
	ChatJID string `json:"chatJid"`
	Text    string `json:"text"`
}

// Handler processes one task request for a group and returns its result
// payload. A nil error with a non-nil result is a success response;
// ErrBadRequest/ErrUnauthorized produce the matching Response.Error code.
type Handler func(ctx context.Context, group string, req Request) (any, error)

// Group names one watched IPC root, keyed by the group name from
// config.GroupConfig.
type Group struct {
	Name string
	Dir  string
}

const (
	defaultPollInterval   = 1 * time.Second
	defaultHandlerTimeout = 20 * time.Second
)

// Config holds the Broker's dependencies and tunables.
type Config struct {
	Groups         []Group
	Handlers       map[string]Handler
	Channel        channel.Driver // outbound chat message delivery from messages/
	PollInterval   time.Duration
	HandlerTimeout time.Duration // bounds a single handler call; exceeding it yields TIMEOUT
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = defaultHandlerTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Broker polls every group's tasks/ and messages/ directories and routes
// requests to handlers through a dispatch table.
type Broker struct {
	cfg Config
}

// New constructs a Broker, ensures every group's directory layout exists,
// and ensures every group has a .ipc_secret (spec.md:210: created on first
// access, never overwritten).
func New(cfg Config) (*Broker, error) {
	cfg = cfg.withDefaults()
	for _, g := range cfg.Groups {
		paths := Paths{Root: g.Dir}
		if err := paths.EnsureDirs(); err != nil {
			return nil, err
		}
		if _, err := paths.EnsureSecret(); err != nil {
			return nil, fmt.Errorf("ipc: ensure secret for group %s: %w", g.Name, err)
		}
	}
	return &Broker{cfg: cfg}, nil
}

// Run loops Tick at PollInterval until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.Tick(ctx); err != nil {
				b.cfg.Logger.Error("ipc: tick failed", "error", err)
			}
		}
	}
}

// Tick processes every pending task request and outbound message across
// every watched group, oldest-filename-first. It returns the total number
// of files processed.
func (b *Broker) Tick(ctx context.Context) (int, error) {
	n := 0
	for _, g := range b.cfg.Groups {
		tn, err := b.processTasks(ctx, g)
		if err != nil {
			return n, fmt.Errorf("ipc: process tasks for group %s: %w", g.Name, err)
		}
		n += tn

		mn, err := b.processMessages(ctx, g)
		if err != nil {
			return n, fmt.Errorf("ipc: process messages for group %s: %w", g.Name, err)
		}
		n += mn
	}
	return n, nil
}

// listJSONFilesSorted returns the non-tmp *.json files in dir, sorted by
// filename ascending — the "<ms>-<rand>.json" naming convention makes
// lexicographic order equal to timestamp-ascending processing order (spec
// §4.C).
func listJSONFilesSorted(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (b *Broker) processTasks(ctx context.Context, g Group) (int, error) {
	paths := Paths{Root: g.Dir}
	names, err := listJSONFilesSorted(paths.Tasks())
	if err != nil {
		return 0, err
	}

	n := 0
	for _, name := range names {
		full := filepath.Join(paths.Tasks(), name)
		b.handleTaskFile(ctx, g, paths, full)
		n++
	}
	return n, nil
}

// handleTaskFile parses and routes a single task request file, consuming it
// (removing it once its response is written, moving it to errors/ when it
// cannot be parsed or its response cannot be written). A file that cannot
// be read at all is left in place for the next tick.
func (b *Broker) handleTaskFile(ctx context.Context, g Group, paths Paths, full string) {
	data, err := os.ReadFile(full)
	if err != nil {
		b.cfg.Logger.Error("ipc: read task file", "file", full, "error", err)
		return
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil || req.RequestID == "" || req.Type == "" {
		b.moveToErrors(paths, full)
		return
	}

	resp := b.dispatch(ctx, g.Name, req)
	if err := b.writeResponse(paths, resp); err != nil {
		b.cfg.Logger.Error("ipc: write response", "request_id", req.RequestID, "error", err)
		b.moveToErrors(paths, full)
		return
	}
	if err := os.Remove(full); err != nil {
		b.cfg.Logger.Error("ipc: remove processed task file", "file", full, "error", err)
	}
}

// dispatch routes req.Type through the handler dispatch table, enforcing
// HandlerTimeout and mapping handler errors onto the response error codes
// of spec §4.C.
func (b *Broker) dispatch(ctx context.Context, group string, req Request) Response {
	handler, ok := b.cfg.Handlers[req.Type]
	if !ok {
		return Response{RequestID: req.RequestID, Error: ErrCodeBadRequest}
	}

	hctx, cancel := context.WithTimeout(ctx, b.cfg.HandlerTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(hctx, group, req)
		done <- outcome{result, err}
	}()

	select {
	case <-hctx.Done():
		return Response{RequestID: req.RequestID, Error: ErrCodeTimeout}
	case o := <-done:
		if o.err != nil {
			switch {
			case errors.Is(o.err, ErrUnauthorized):
				return Response{RequestID: req.RequestID, Error: ErrCodeUnauthorized}
			case errors.Is(o.err, ErrBadRequest):
				return Response{RequestID: req.RequestID, Error: ErrCodeBadRequest}
			default:
				return Response{RequestID: req.RequestID, OK: false, Error: o.err.Error()}
			}
		}
		return Response{RequestID: req.RequestID, OK: true, Result: o.result}
	}
}

func (b *Broker) writeResponse(paths Paths, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return writeAtomic(paths.ResponseFile(resp.RequestID), data)
}

func (b *Broker) moveToErrors(paths Paths, full string) {
	dst := filepath.Join(paths.Errors(), filepath.Base(full))
	if err := os.Rename(full, dst); err != nil {
		b.cfg.Logger.Error("ipc: move to errors", "file", full, "error", err)
	}
}

// processMessages delivers queued outbound chat messages to the channel
// driver (spec §4.C "messages/ — agent→host outbound chat messages").
func (b *Broker) processMessages(ctx context.Context, g Group) (int, error) {
	if b.cfg.Channel == nil {
		return 0, nil
	}
	paths := Paths{Root: g.Dir}
	names, err := listJSONFilesSorted(paths.Messages())
	if err != nil {
		return 0, err
	}

	n := 0
	for _, name := range names {
		full := filepath.Join(paths.Messages(), name)
		data, err := os.ReadFile(full)
		if err != nil {
			b.cfg.Logger.Error("ipc: read message file", "file", full, "error", err)
			continue
		}
		var m OutboundMessage
		if err := json.Unmarshal(data, &m); err != nil || m.ChatJID == "" {
			b.moveToErrors(paths, full)
			continue
		}
		if err := b.cfg.Channel.Send(ctx, m.ChatJID, m.Text); err != nil {
			b.cfg.Logger.Warn("ipc: outbound send failed, channel driver queues for reconnect",
				"chat_jid", m.ChatJID, "error", err)
		}
		if err := os.Remove(full); err != nil {
			b.cfg.Logger.Error("ipc: remove processed message file", "file", full, "error", err)
		}
		n++
	}
	return n, nil
}
