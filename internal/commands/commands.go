// Package commands implements the start, stop, status and list slash
// commands independently of the chat transport.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lanternops/placewatch/internal/audit"
	"github.com/lanternops/placewatch/internal/logging"
	"github.com/lanternops/placewatch/internal/metrics"
	"github.com/lanternops/placewatch/internal/panel"
	"github.com/lanternops/placewatch/internal/watcher"
)

var log = logging.L("commands")

// Command names.
const (
	Start  = "start"
	Stop   = "stop"
	Status = "status"
	List   = "list"
)

// NoChannelReply is sent when start has nowhere to post.
const NoChannelReply = "I couldn't find a text channel I can write to. Please specify one: `/start channel:#alerts`"

// Option describes one command option. TextChannel restricts a channel
// option to guild text channels.
type Option struct {
	Name        string
	Description string
	Required    bool
	TextChannel bool
}

type Definition struct {
	Name        string
	Description string
	Options     []Option
}

// Definitions returns the command set registered with the chat platform.
func Definitions() []Definition {
	return []Definition{
		{
			Name:        Start,
			Description: "Start the watcher (creates/updates the live panel)",
			Options: []Option{{
				Name:        "channel",
				Description: "Channel to use (leave empty to auto-pick)",
				TextChannel: true,
			}},
		},
		{Name: Stop, Description: "Stop the watcher"},
		{Name: Status, Description: "Show status"},
		{Name: List, Description: "Show who is currently in the target game (ephemeral)"},
	}
}

// Controller is the watcher surface the commands drive. *watcher.Watcher
// satisfies it.
type Controller interface {
	Start(ctx context.Context, channelID string) (int, error)
	Stop(ctx context.Context) error
	Status() watcher.Status
	List(ctx context.Context) []string
}

// ChannelFinder picks a default channel in a guild the bot can post to.
// It returns "" when there is none.
type ChannelFinder interface {
	FirstWritableChannel(ctx context.Context, guildID string) (string, error)
}

// Auditor records operator actions. *audit.Logger satisfies it, including a
// nil one.
type Auditor interface {
	Log(eventType, actor string, details map[string]any)
}

// Request is one invocation.
type Request struct {
	Name    string
	GuildID string
	UserID  string
	Channel string
}

type Dispatcher struct {
	ctl    Controller
	finder ChannelFinder
	audit  Auditor
}

func NewDispatcher(ctl Controller, finder ChannelFinder) *Dispatcher {
	return &Dispatcher{ctl: ctl, finder: finder}
}

// SetAuditor records every invocation, and successful starts and stops, to a.
func (d *Dispatcher) SetAuditor(a Auditor) {
	d.audit = a
}

func (d *Dispatcher) record(eventType string, req Request, details map[string]any) {
	if d.audit == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["guild"] = req.GuildID
	d.audit.Log(eventType, req.UserID, details)
}

// Handle runs req and returns the reply text. It never panics; failures come
// back as "Error: ..." replies.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (reply string) {
	logger := logging.WithCommand(log, req.Name, req.GuildID)
	start := time.Now()
	result := "ok"

	defer func() {
		if r := recover(); r != nil {
			logger.Error("command panicked", "panic", fmt.Sprint(r))
			reply = fmt.Sprintf("Error: %v", r)
			result = "error"
		}
		metrics.CommandsTotal.WithLabelValues(req.Name, result).Inc()
		d.record(audit.EventCommand, req, map[string]any{"command": req.Name, "result": result})
		logger.Info("command handled", "result", result, logging.KeyUserID, req.UserID,
			logging.KeyDurationMs, time.Since(start).Milliseconds())
	}()

	var err error
	switch req.Name {
	case Start:
		reply, err = d.start(ctx, req)
	case Stop:
		if err = d.ctl.Stop(ctx); err == nil {
			d.record(audit.EventWatcherStopped, req, nil)
		}
		reply = "Watcher stopped."
	case Status:
		reply = FormatStatus(d.ctl.Status())
	case List:
		reply = FormatList(d.ctl.List(ctx))
	default:
		result = "unknown"
		return fmt.Sprintf("Unknown command: %s", req.Name)
	}
	if err != nil {
		logger.Warn("command failed", logging.KeyError, err)
		result = "error"
		return "Error: " + err.Error()
	}
	return reply
}

func (d *Dispatcher) start(ctx context.Context, req Request) (string, error) {
	channelID, err := d.resolveChannel(ctx, req)
	if err != nil {
		return "", err
	}
	if channelID == "" {
		return NoChannelReply, nil
	}
	watching, err := d.ctl.Start(ctx, channelID)
	if errors.Is(err, panel.ErrStale) && req.Channel == "" {
		// The remembered channel is gone; the stored pointer has been
		// dropped, so fall through to discovery once.
		log.Info("panel channel gone, looking for another", logging.KeyChannelID, channelID)
		next, ferr := d.discover(ctx, req.GuildID)
		if ferr != nil {
			return "", ferr
		}
		if next == "" || next == channelID {
			return NoChannelReply, nil
		}
		channelID = next
		watching, err = d.ctl.Start(ctx, channelID)
	}
	if err != nil {
		return "", err
	}
	d.record(audit.EventWatcherStarted, req, map[string]any{"channel": channelID, "watching": watching})
	return fmt.Sprintf("Starting watcher in <#%s>", d.ctl.Status().Panel.ChannelID), nil
}

// resolveChannel picks the explicit option, then the stored panel's
// channel, then the first channel the bot can write to.
func (d *Dispatcher) resolveChannel(ctx context.Context, req Request) (string, error) {
	if req.Channel != "" {
		return req.Channel, nil
	}
	if ch := d.ctl.Status().Panel.ChannelID; ch != "" {
		return ch, nil
	}
	return d.discover(ctx, req.GuildID)
}

func (d *Dispatcher) discover(ctx context.Context, guildID string) (string, error) {
	if d.finder == nil || guildID == "" {
		return "", nil
	}
	ch, err := d.finder.FirstWritableChannel(ctx, guildID)
	if err != nil {
		return "", fmt.Errorf("find channel: %w", err)
	}
	return ch, nil
}

// FormatStatus renders the status reply.
func FormatStatus(st watcher.Status) string {
	state := "STOPPED"
	if st.Running {
		state = "RUNNING"
	}
	panelRef := "_not created_"
	if st.Panel.ChannelID != "" {
		panelRef = "<#" + st.Panel.ChannelID + ">"
	}
	alerts := "OFF"
	if st.AlertsEnabled {
		alerts = "ON"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Status: **%s**\n", state)
	fmt.Fprintf(&b, "Watching: **%d** users (rank ≥ %d)\n", st.Watching, st.MinRank)
	fmt.Fprintf(&b, "Poll: %ss • Roster refresh: %sm\n", trimFloat(st.PollInterval.Seconds()), trimFloat(st.RosterInterval.Minutes()))
	fmt.Fprintf(&b, "Target place: %s\n", st.TargetPlaceID)
	fmt.Fprintf(&b, "Panel: %s\n", panelRef)
	fmt.Fprintf(&b, "Alerts: %s", alerts)
	return b.String()
}

// FormatList renders the list reply.
func FormatList(names []string) string {
	if len(names) == 0 {
		return "No one is in the target game right now."
	}
	return fmt.Sprintf("Currently in game (%d):\n%s", len(names), strings.Join(names, ", "))
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
