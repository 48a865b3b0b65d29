// Package discord connects the watcher to Discord: it registers the slash
// commands, dispatches interactions and implements the panel surface, the
// alert sender and the default-channel lookup on top of discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/lanternops/placewatch/internal/commands"
	"github.com/lanternops/placewatch/internal/health"
	"github.com/lanternops/placewatch/internal/logging"
	"github.com/lanternops/placewatch/internal/panel"
	"github.com/lanternops/placewatch/internal/store"
)

var log = logging.L("discord")

// commandTimeout bounds one interaction. Discord keeps a deferred
// interaction token valid for 15 minutes.
const commandTimeout = 5 * time.Minute

// api is the subset of *discordgo.Session the bot calls.
type api interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	UserChannelPermissions(userID, channelID string, options ...discordgo.RequestOption) (int64, error)
	ApplicationCommandBulkOverwrite(appID, guildID string, cmds []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, edit *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Handler answers one command request.
type Handler interface {
	Handle(ctx context.Context, req commands.Request) string
}

type Bot struct {
	session *discordgo.Session
	api     api
	health  *health.Monitor

	mu      sync.RWMutex
	appID   string
	handler Handler
}

// New creates a bot for token. Call SetHandler before Open.
func New(token string, hm *health.Monitor) (*Bot, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds

	b := newBot(s, hm)
	b.session = s
	s.AddHandler(b.onReady)
	s.AddHandler(b.onGuildCreate)
	s.AddHandler(b.onInteraction)
	s.AddHandler(b.onDisconnect)
	s.AddHandler(b.onResumed)
	return b, nil
}

func newBot(a api, hm *health.Monitor) *Bot {
	if hm == nil {
		hm = health.NewMonitor()
	}
	return &Bot{api: a, health: hm}
}

// SetHandler installs the command handler.
func (b *Bot) SetHandler(h Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// Open connects to the gateway.
func (b *Bot) Open() error {
	if err := b.session.Open(); err != nil {
		b.health.Update(health.ComponentDiscord, health.Unhealthy, err.Error())
		return fmt.Errorf("open discord gateway: %w", err)
	}
	return nil
}

func (b *Bot) Close() error {
	return b.session.Close()
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.mu.Lock()
	b.appID = r.User.ID
	b.mu.Unlock()

	log.Info("logged in", "user", r.User.Username, "guilds", len(r.Guilds))
	b.health.Update(health.ComponentDiscord, health.Healthy, "")
	for _, g := range r.Guilds {
		b.registerCommands(g.ID)
	}
}

func (b *Bot) onGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	b.registerCommands(g.ID)
}

func (b *Bot) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	b.health.Update(health.ComponentDiscord, health.Degraded, "gateway disconnected")
}

func (b *Bot) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	b.health.Update(health.ComponentDiscord, health.Healthy, "")
}

func (b *Bot) onInteraction(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	b.handleInteraction(ctx, i.Interaction)
}

func (b *Bot) applicationID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.appID
}

// registerCommands overwrites the guild's command set. Registration is
// per guild so changes show up immediately.
func (b *Bot) registerCommands(guildID string) {
	appID := b.applicationID()
	if appID == "" || guildID == "" {
		return
	}
	if _, err := b.api.ApplicationCommandBulkOverwrite(appID, guildID, applicationCommands()); err != nil {
		log.Warn("command registration failed", logging.KeyGuildID, guildID, logging.KeyError, err)
		return
	}
	log.Info("commands registered", logging.KeyGuildID, guildID)
}

func applicationCommands() []*discordgo.ApplicationCommand {
	defs := commands.Definitions()
	out := make([]*discordgo.ApplicationCommand, 0, len(defs))
	for _, d := range defs {
		cmd := &discordgo.ApplicationCommand{Name: d.Name, Description: d.Description}
		for _, o := range d.Options {
			opt := &discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        o.Name,
				Description: o.Description,
				Required:    o.Required,
			}
			if o.TextChannel {
				opt.Type = discordgo.ApplicationCommandOptionChannel
				opt.ChannelTypes = []discordgo.ChannelType{discordgo.ChannelTypeGuildText}
			}
			cmd.Options = append(cmd.Options, opt)
		}
		out = append(out, cmd)
	}
	return out
}

// handleInteraction defers an ephemeral reply, runs the command and edits
// the reply with its result.
func (b *Bot) handleInteraction(ctx context.Context, i *discordgo.Interaction) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()
	if h == nil {
		return
	}

	err := b.api.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}, discordgo.WithContext(ctx))
	if err != nil {
		log.Warn("could not acknowledge interaction", logging.KeyError, err)
		return
	}

	reply := h.Handle(ctx, requestFrom(i))
	if _, err := b.api.InteractionResponseEdit(i, &discordgo.WebhookEdit{Content: &reply}, discordgo.WithContext(ctx)); err != nil {
		log.Warn("could not send command reply", logging.KeyError, err)
	}
}

func requestFrom(i *discordgo.Interaction) commands.Request {
	data := i.ApplicationCommandData()
	req := commands.Request{Name: data.Name, GuildID: i.GuildID}
	switch {
	case i.Member != nil && i.Member.User != nil:
		req.UserID = i.Member.User.ID
	case i.User != nil:
		req.UserID = i.User.ID
	}
	for _, opt := range data.Options {
		if opt.Name == "channel" && opt.Type == discordgo.ApplicationCommandOptionChannel {
			req.Channel = opt.ChannelValue(nil).ID
		}
	}
	return req
}

// EditPanel edits the panel message in place.
func (b *Bot) EditPanel(ctx context.Context, ptr store.PanelPointer, snap panel.Snapshot) error {
	_, err := b.api.ChannelMessageEditEmbed(ptr.ChannelID, ptr.MessageID, embed(snap), discordgo.WithContext(ctx))
	return b.mapErr(err)
}

// CreatePanel posts a new panel message.
func (b *Bot) CreatePanel(ctx context.Context, channelID string, snap panel.Snapshot) (string, error) {
	msg, err := b.api.ChannelMessageSendEmbed(channelID, embed(snap), discordgo.WithContext(ctx))
	if err != nil {
		return "", b.mapErr(err)
	}
	return msg.ID, nil
}

// SendMessage posts an alert.
func (b *Bot) SendMessage(ctx context.Context, channelID, text string) error {
	_, err := b.api.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	return b.mapErr(err)
}

// FirstWritableChannel returns the top-most guild text channel the bot may
// post in, or "".
func (b *Bot) FirstWritableChannel(ctx context.Context, guildID string) (string, error) {
	chans, err := b.api.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", b.mapErr(err)
	}
	sort.SliceStable(chans, func(i, j int) bool { return chans[i].Position < chans[j].Position })

	self := b.applicationID()
	for _, ch := range chans {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		perms, err := b.api.UserChannelPermissions(self, ch.ID, discordgo.WithContext(ctx))
		if err != nil {
			log.Debug("permission check failed", logging.KeyChannelID, ch.ID, logging.KeyError, err)
			continue
		}
		if perms&discordgo.PermissionSendMessages != 0 {
			return ch.ID, nil
		}
	}
	return "", nil
}

func embed(s panel.Snapshot) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       s.Title,
		Description: s.Description,
		Fields:      []*discordgo.MessageEmbedField{{Name: s.FieldName, Value: s.FieldValue}},
		Footer:      &discordgo.MessageEmbedFooter{Text: s.Footer},
	}
}

// mapErr turns a missing message or channel, or lost access to it, into
// panel.ErrStale and tracks gateway health for other REST failures.
func (b *Bot) mapErr(err error) error {
	if err == nil {
		b.health.Update(health.ComponentDiscord, health.Healthy, "")
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		if isStale(rest) {
			return fmt.Errorf("%w: %w", panel.ErrStale, err)
		}
		if rest.Response != nil && rest.Response.StatusCode >= http.StatusInternalServerError {
			b.health.Update(health.ComponentDiscord, health.Degraded, err.Error())
		}
	}
	return err
}

func isStale(rest *discordgo.RESTError) bool {
	if rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeMissingAccess:
			return true
		}
	}
	if rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusNotFound, http.StatusForbidden:
			return true
		}
	}
	return false
}
