package discord

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternops/placewatch/internal/commands"
	"github.com/lanternops/placewatch/internal/health"
	"github.com/lanternops/placewatch/internal/panel"
	"github.com/lanternops/placewatch/internal/store"
)

type fakeAPI struct {
	sent       []string
	embeds     map[string]*discordgo.MessageEmbed
	editErr    error
	channels   []*discordgo.Channel
	perms      map[string]int64
	registered map[string][]*discordgo.ApplicationCommand
	responses  []*discordgo.InteractionResponse
	edits      []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		embeds:     map[string]*discordgo.MessageEmbed{},
		perms:      map[string]int64{},
		registered: map[string][]*discordgo.ApplicationCommand{},
	}
}

func (f *fakeAPI) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.sent = append(f.sent, channelID+":"+content)
	return &discordgo.Message{ID: "m"}, nil
}

func (f *fakeAPI) ChannelMessageSendEmbed(channelID string, e *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	id := "panel-" + channelID
	f.embeds[id] = e
	return &discordgo.Message{ID: id, ChannelID: channelID}, nil
}

func (f *fakeAPI) ChannelMessageEditEmbed(channelID, messageID string, e *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.editErr != nil {
		return nil, f.editErr
	}
	f.embeds[messageID] = e
	return &discordgo.Message{ID: messageID}, nil
}

func (f *fakeAPI) GuildChannels(guildID string, _ ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	return f.channels, nil
}

func (f *fakeAPI) UserChannelPermissions(userID, channelID string, _ ...discordgo.RequestOption) (int64, error) {
	p, ok := f.perms[channelID]
	if !ok {
		return 0, errors.New("unknown channel")
	}
	return p, nil
}

func (f *fakeAPI) ApplicationCommandBulkOverwrite(appID, guildID string, cmds []*discordgo.ApplicationCommand, _ ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error) {
	f.registered[guildID] = cmds
	return cmds, nil
}

func (f *fakeAPI) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeAPI) InteractionResponseEdit(_ *discordgo.Interaction, edit *discordgo.WebhookEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.edits = append(f.edits, *edit.Content)
	return &discordgo.Message{}, nil
}

type recordingHandler struct {
	got []commands.Request
}

func (h *recordingHandler) Handle(ctx context.Context, req commands.Request) string {
	h.got = append(h.got, req)
	return "handled " + req.Name
}

func restError(status, code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: "x"},
	}
}

func TestPanelRoundTrip(t *testing.T) {
	a := newFakeAPI()
	b := newBot(a, nil)
	snap := panel.Snapshot{Title: "T", Description: "D", FieldName: "Currently in game (0)", FieldValue: "_none_", Footer: "Last update: waiting…"}

	id, err := b.CreatePanel(context.Background(), "c1", snap)
	require.NoError(t, err)
	assert.Equal(t, "panel-c1", id)

	e := a.embeds[id]
	require.NotNil(t, e)
	assert.Equal(t, "T", e.Title)
	require.Len(t, e.Fields, 1)
	assert.Equal(t, "_none_", e.Fields[0].Value)
	assert.Equal(t, "Last update: waiting…", e.Footer.Text)

	snap.Footer = "Last update: now"
	require.NoError(t, b.EditPanel(context.Background(), store.PanelPointer{ChannelID: "c1", MessageID: id}, snap))
	assert.Equal(t, "Last update: now", a.embeds[id].Footer.Text)
}

func TestStaleErrorsMapToErrStale(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		stale bool
	}{
		{"unknown message", restError(http.StatusNotFound, discordgo.ErrCodeUnknownMessage), true},
		{"unknown channel", restError(http.StatusNotFound, discordgo.ErrCodeUnknownChannel), true},
		{"missing access", restError(http.StatusForbidden, discordgo.ErrCodeMissingAccess), true},
		{"server error", restError(http.StatusBadGateway, 0), false},
		{"network", errors.New("connection reset"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newFakeAPI()
			a.editErr = tc.err
			b := newBot(a, nil)
			err := b.EditPanel(context.Background(), store.PanelPointer{ChannelID: "c", MessageID: "m"}, panel.Snapshot{})
			require.Error(t, err)
			assert.Equal(t, tc.stale, errors.Is(err, panel.ErrStale))
		})
	}
}

func TestServerErrorDegradesHealth(t *testing.T) {
	a := newFakeAPI()
	a.editErr = restError(http.StatusServiceUnavailable, 0)
	hm := health.NewMonitor()
	b := newBot(a, hm)

	_ = b.EditPanel(context.Background(), store.PanelPointer{ChannelID: "c", MessageID: "m"}, panel.Snapshot{})
	c, ok := hm.Get(health.ComponentDiscord)
	require.True(t, ok)
	assert.Equal(t, health.Degraded, c.Status)
}

func TestFirstWritableChannel(t *testing.T) {
	a := newFakeAPI()
	a.channels = []*discordgo.Channel{
		{ID: "voice", Type: discordgo.ChannelTypeGuildVoice, Position: 0},
		{ID: "readonly", Type: discordgo.ChannelTypeGuildText, Position: 1},
		{ID: "later", Type: discordgo.ChannelTypeGuildText, Position: 5},
		{ID: "general", Type: discordgo.ChannelTypeGuildText, Position: 2},
	}
	a.perms["readonly"] = discordgo.PermissionViewChannel
	a.perms["general"] = discordgo.PermissionViewChannel | discordgo.PermissionSendMessages
	a.perms["later"] = discordgo.PermissionSendMessages
	b := newBot(a, nil)

	ch, err := b.FirstWritableChannel(context.Background(), "g")
	require.NoError(t, err)
	assert.Equal(t, "general", ch)

	a.channels = a.channels[:2]
	ch, err = b.FirstWritableChannel(context.Background(), "g")
	require.NoError(t, err)
	assert.Empty(t, ch)
}

func TestReadyRegistersCommandsPerGuild(t *testing.T) {
	a := newFakeAPI()
	hm := health.NewMonitor()
	b := newBot(a, hm)

	b.onReady(nil, &discordgo.Ready{
		User:   &discordgo.User{ID: "app", Username: "placewatch"},
		Guilds: []*discordgo.Guild{{ID: "g1"}, {ID: "g2"}},
	})
	b.onGuildCreate(nil, &discordgo.GuildCreate{Guild: &discordgo.Guild{ID: "g3"}})

	assert.Len(t, a.registered, 3)
	cmds := a.registered["g1"]
	require.Len(t, cmds, 4)
	assert.Equal(t, "start", cmds[0].Name)
	require.Len(t, cmds[0].Options, 1)
	assert.Equal(t, discordgo.ApplicationCommandOptionChannel, cmds[0].Options[0].Type)
	assert.Equal(t, []discordgo.ChannelType{discordgo.ChannelTypeGuildText}, cmds[0].Options[0].ChannelTypes)
	assert.Equal(t, health.Healthy, hm.Overall())
}

func TestInteractionDefersThenEditsReply(t *testing.T) {
	a := newFakeAPI()
	b := newBot(a, nil)
	h := &recordingHandler{}
	b.SetHandler(h)

	b.handleInteraction(context.Background(), &discordgo.Interaction{
		Type:    discordgo.InteractionApplicationCommand,
		GuildID: "g1",
		Member:  &discordgo.Member{User: &discordgo.User{ID: "u1"}},
		Data: discordgo.ApplicationCommandInteractionData{
			Name: "start",
			Options: []*discordgo.ApplicationCommandInteractionDataOption{{
				Name:  "channel",
				Type:  discordgo.ApplicationCommandOptionChannel,
				Value: "c42",
			}},
		},
	})

	require.Len(t, a.responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, a.responses[0].Type)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, a.responses[0].Data.Flags)

	require.Len(t, h.got, 1)
	assert.Equal(t, commands.Request{Name: "start", GuildID: "g1", UserID: "u1", Channel: "c42"}, h.got[0])
	assert.Equal(t, []string{"handled start"}, a.edits)
}

func TestNonCommandInteractionsIgnored(t *testing.T) {
	a := newFakeAPI()
	b := newBot(a, nil)
	h := &recordingHandler{}
	b.SetHandler(h)

	b.handleInteraction(context.Background(), &discordgo.Interaction{Type: discordgo.InteractionPing})
	assert.Empty(t, a.responses)
	assert.Empty(t, h.got)
}

func TestSendMessage(t *testing.T) {
	a := newFakeAPI()
	b := newBot(a, nil)
	require.NoError(t, b.SendMessage(context.Background(), "c1", "hello"))
	assert.Equal(t, []string{"c1:hello"}, a.sent)
}
