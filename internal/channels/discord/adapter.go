// Package discord is the Discord channel plugin, backed by a discordgo
// gateway session.
package discord

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/pkg/models"
)

const channelID = "discord"

// Config holds the bot credentials.
type Config struct {
	Token     string
	AccountID string
}

// Plugin implements channels.Plugin, Receiver and TypingNotifier over one
// bot session.
type Plugin struct {
	cfg     Config
	log     *observability.Logger
	limiter *channels.RateLimiter
	health  *channels.Health

	session *discordgo.Session

	mu    sync.RWMutex
	botID string

	msgs      chan *models.MsgContext
	closeOnce sync.Once
}

// New builds the plugin. The gateway socket opens in Start.
func New(cfg Config, log *observability.Logger) (*Plugin, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, models.NewError(models.ErrInvalidRequest, "discord bot token is required")
	}
	if cfg.AccountID == "" {
		cfg.AccountID = "default"
	}
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, models.WrapError(models.ErrUnavailable, err, "discord session init failed")
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	p := &Plugin{
		cfg:     cfg,
		log:     log.Module("discord"),
		limiter: channels.NewRateLimiter(5, 5),
		health:  channels.NewHealth(),
		session: s,
		msgs:    make(chan *models.MsgContext, 64),
	}
	s.AddHandler(p.handleMessageCreate)
	s.AddHandler(p.handleReady)
	s.AddHandler(p.handleDisconnect)
	return p, nil
}

func (p *Plugin) ID() string        { return channelID }
func (p *Plugin) Aliases() []string { return nil }
func (p *Plugin) Order() int        { return 20 }

func (p *Plugin) Capabilities() []channels.Capability {
	return []channels.Capability{
		channels.CapSend,
		channels.CapReceive,
		channels.CapTypingIndicator,
		channels.CapThreading,
		channels.CapMedia,
	}
}

func (p *Plugin) MaxTextChars() int       { return channels.DefaultTextLimit(channelID) }
func (p *Plugin) SupportsMarkdown() bool  { return true }
func (p *Plugin) SupportsThreading() bool { return true }
func (p *Plugin) SupportsBlocks() bool    { return false }

// NormalizeTarget accepts snowflake channel ids, with or without the
// channel prefix or <#...> mention wrapping.
func (p *Plugin) NormalizeTarget(raw string) (string, bool) {
	t := strings.TrimSpace(raw)
	t = strings.TrimPrefix(t, channelID+":")
	if strings.HasPrefix(t, "<#") && strings.HasSuffix(t, ">") {
		t = t[2 : len(t)-1]
	}
	if !isSnowflake(t) {
		return "", false
	}
	return t, true
}

// HasMention checks the inbound mention flag set during conversion.
func (p *Plugin) HasMention(msg *models.MsgContext) bool {
	return msg.WasMentioned
}

// Start opens the gateway socket. Ready and Disconnect events drive the
// health tracker; discordgo reconnects on its own.
func (p *Plugin) Start(ctx context.Context) error {
	if err := p.session.Open(); err != nil {
		p.health.SetDisconnected(err.Error())
		return channels.Unavailable("discord gateway open failed", err)
	}
	go func() {
		<-ctx.Done()
		_ = p.session.Close()
		p.closeOnce.Do(func() { close(p.msgs) })
	}()
	return nil
}

// Stop closes the gateway socket and the inbound channel.
func (p *Plugin) Stop(ctx context.Context) error {
	err := p.session.Close()
	p.health.SetDisconnected("stopped")
	p.closeOnce.Do(func() { close(p.msgs) })
	return err
}

// Messages is the inbound stream; closed once the session stops.
func (p *Plugin) Messages() <-chan *models.MsgContext { return p.msgs }

// Status reports the gateway connection state.
func (p *Plugin) Status() channels.Status { return p.health.Status() }

// Typing triggers the indicator; Discord expires it after ~10 seconds, so
// active=false is a no-op.
func (p *Plugin) Typing(ctx context.Context, target string, active bool) error {
	if !active {
		return nil
	}
	ch, ok := p.NormalizeTarget(target)
	if !ok {
		return models.NewError(models.ErrInvalidRequest, "invalid discord target %q", target)
	}
	return p.session.ChannelTyping(ch, discordgo.WithContext(ctx))
}

// Send delivers one payload. Threads are channels on Discord, so ThreadID
// replaces the target when set. Local media attach as uploads; remote URLs
// are linked in the message body.
func (p *Plugin) Send(ctx context.Context, target string, payload models.ReplyPayload, opts channels.SendOptions) (channels.SendResult, error) {
	ch, ok := p.NormalizeTarget(target)
	if !ok {
		return channels.SendResult{}, models.NewError(models.ErrInvalidRequest, "invalid discord target %q", target)
	}
	if opts.ThreadID != "" {
		if t, ok := p.NormalizeTarget(opts.ThreadID); ok {
			ch = t
		}
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return channels.SendResult{}, err
	}

	send := &discordgo.MessageSend{Content: payload.Text}
	if opts.ReplyToID != "" {
		send.Reference = &discordgo.MessageReference{MessageID: opts.ReplyToID, ChannelID: ch}
	}

	var openFiles []*os.File
	defer func() {
		for _, f := range openFiles {
			_ = f.Close()
		}
	}()
	var links []string
	for _, media := range payload.AllMedia() {
		if strings.HasPrefix(media, "http://") || strings.HasPrefix(media, "https://") {
			links = append(links, media)
			continue
		}
		f, err := os.Open(media)
		if err != nil {
			p.log.Warn(ctx, "discord attachment unreadable", "path", media, "error", err)
			continue
		}
		openFiles = append(openFiles, f)
		send.Files = append(send.Files, &discordgo.File{Name: filepath.Base(media), Reader: f})
	}
	if len(links) > 0 {
		if send.Content != "" {
			send.Content += "\n"
		}
		send.Content += strings.Join(links, "\n")
	}
	if send.Content == "" && len(send.Files) == 0 {
		return channels.SendResult{}, models.NewError(models.ErrInvalidRequest, "empty discord payload")
	}

	sent, err := p.session.ChannelMessageSendComplex(ch, send, discordgo.WithContext(ctx))
	if err != nil {
		return channels.SendResult{}, classifySendErr(err)
	}
	return channels.SendResult{MessageID: sent.ID, ChannelID: ch}, nil
}

func (p *Plugin) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	p.mu.Lock()
	p.botID = r.User.ID
	p.mu.Unlock()
	p.health.SetConnected()
	p.log.Info(context.Background(), "discord connected", "user", r.User.Username, "guilds", len(r.Guilds))
}

func (p *Plugin) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	p.health.SetDisconnected("gateway disconnected")
	p.log.Warn(context.Background(), "discord gateway disconnected")
}

func (p *Plugin) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	p.mu.RLock()
	botID := p.botID
	p.mu.RUnlock()

	msg := convert(m.Message, botID, p.cfg.AccountID)
	p.health.Ping()

	select {
	case p.msgs <- msg:
	default:
		p.log.Warn(context.Background(), "inbound queue full, dropping message", "channel_id", m.ChannelID)
	}
}

func convert(m *discordgo.Message, botID, accountID string) *models.MsgContext {
	msg := &models.MsgContext{
		Body:       m.Content,
		From:       m.ChannelID,
		Channel:    channelID,
		AccountID:  accountID,
		ChatType:   models.ChatDirect,
		MessageSid: m.ID,
		Timestamp:  m.Timestamp.UnixMilli(),
	}
	if m.GuildID != "" {
		msg.ChatType = models.ChatGroup
	}
	if m.Author != nil {
		msg.SenderName = m.Author.Username
	}
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		msg.ThreadID = m.MessageReference.MessageID
	}
	for _, u := range m.Mentions {
		if botID != "" && u.ID == botID {
			msg.WasMentioned = true
			break
		}
	}
	for _, att := range m.Attachments {
		msg.MediaURLs = append(msg.MediaURLs, att.URL)
	}
	return msg
}

func isSnowflake(s string) bool {
	if len(s) < 15 || len(s) > 21 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func classifySendErr(err error) error {
	var rest *discordgo.RateLimitError
	if errors.As(err, &rest) {
		return channels.Throttled("discord rate limited", rest.RetryAfter, err)
	}
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Response != nil {
		switch code := rerr.Response.StatusCode; {
		case code == 429:
			return channels.Throttled("discord rate limited", 0, err)
		case code >= 400 && code < 500:
			return channels.Permanent("discord send rejected", err)
		}
	}
	return channels.Transient("discord send failed", err)
}
