// Package slack is the Slack channel plugin. It listens over Socket Mode,
// so no public HTTP endpoint is needed.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/pkg/models"
)

const channelID = "slack"

// Config holds the two tokens Socket Mode needs: the bot token (xoxb-) for
// the Web API and the app token (xapp-) for the socket.
type Config struct {
	BotToken  string
	AppToken  string
	AccountID string
}

// Plugin implements channels.Plugin and Receiver over one workspace app.
type Plugin struct {
	cfg     Config
	log     *observability.Logger
	limiter *channels.RateLimiter
	health  *channels.Health

	client *slack.Client
	socket *socketmode.Client

	mu    sync.RWMutex
	botID string

	msgs      chan *models.MsgContext
	closeOnce sync.Once
}

// New builds the plugin. The socket opens in Start.
func New(cfg Config, log *observability.Logger) (*Plugin, error) {
	if strings.TrimSpace(cfg.BotToken) == "" || strings.TrimSpace(cfg.AppToken) == "" {
		return nil, models.NewError(models.ErrInvalidRequest, "slack bot_token and app_token are required")
	}
	if cfg.AccountID == "" {
		cfg.AccountID = "default"
	}
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	p := &Plugin{
		cfg:     cfg,
		log:     log.Module("slack"),
		limiter: channels.NewRateLimiter(1, 3),
		health:  channels.NewHealth(),
		client:  client,
		socket:  socketmode.New(client),
		msgs:    make(chan *models.MsgContext, 64),
	}
	return p, nil
}

func (p *Plugin) ID() string        { return channelID }
func (p *Plugin) Aliases() []string { return nil }
func (p *Plugin) Order() int        { return 30 }

func (p *Plugin) Capabilities() []channels.Capability {
	return []channels.Capability{
		channels.CapSend,
		channels.CapReceive,
		channels.CapThreading,
		channels.CapMedia,
	}
}

func (p *Plugin) MaxTextChars() int       { return channels.DefaultTextLimit(channelID) }
func (p *Plugin) SupportsMarkdown() bool  { return true }
func (p *Plugin) SupportsThreading() bool { return true }
func (p *Plugin) SupportsBlocks() bool    { return true }

// NormalizeTarget accepts conversation ids (C/D/G prefixed) and @-user
// references, which canonicalize to "user:<id>" and open a DM on send.
func (p *Plugin) NormalizeTarget(raw string) (string, bool) {
	t := strings.TrimSpace(raw)
	t = strings.TrimPrefix(t, channelID+":")
	if t == "" {
		return "", false
	}
	if strings.HasPrefix(t, "user:") {
		t = "@" + t[len("user:"):]
	}
	if strings.HasPrefix(t, "@") {
		id := strings.ToUpper(t[1:])
		if isSlackID(id, 'U', 'W') {
			return "user:" + id, true
		}
		return "", false
	}
	id := strings.ToUpper(t)
	if isSlackID(id, 'C', 'D', 'G') {
		return id, true
	}
	return "", false
}

// HasMention checks the flag set while converting the event.
func (p *Plugin) HasMention(msg *models.MsgContext) bool {
	return msg.WasMentioned
}

// Start verifies auth, then runs the Socket Mode loop in the background.
func (p *Plugin) Start(ctx context.Context) error {
	auth, err := p.client.AuthTestContext(ctx)
	if err != nil {
		p.health.SetDisconnected(err.Error())
		return channels.Unavailable("slack auth test failed", err)
	}
	p.mu.Lock()
	p.botID = auth.UserID
	p.mu.Unlock()
	p.log.Info(ctx, "slack authenticated", "user", auth.User, "team", auth.Team)

	go p.eventLoop(ctx)
	go func() {
		if err := p.socket.RunContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.health.SetDisconnected(err.Error())
			p.log.Error(ctx, "slack socket loop ended", "error", err)
		}
		p.closeOnce.Do(func() { close(p.msgs) })
	}()
	return nil
}

// Stop is satisfied by cancelling the Start context; nothing else to tear
// down.
func (p *Plugin) Stop(ctx context.Context) error { return nil }

// Messages is the inbound stream; closed once the socket loop stops.
func (p *Plugin) Messages() <-chan *models.MsgContext { return p.msgs }

// Status reports the socket connection state.
func (p *Plugin) Status() channels.Status { return p.health.Status() }

func (p *Plugin) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-p.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				p.health.SetConnected()
			case socketmode.EventTypeConnectionError:
				p.health.SetDisconnected("socket connection error")
			case socketmode.EventTypeEventsAPI:
				p.handleEventsAPI(ctx, evt)
			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				// Acknowledged so Slack stops retrying; not routed anywhere.
				if evt.Request != nil {
					p.socket.Ack(*evt.Request)
				}
			}
		}
	}
}

func (p *Plugin) handleEventsAPI(ctx context.Context, evt socketmode.Event) {
	apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if evt.Request != nil {
		p.socket.Ack(*evt.Request)
	}
	if !ok || apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	p.health.Ping()

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		p.deliver(ctx, p.convertMention(ev))
	case *slackevents.MessageEvent:
		if ev.BotID != "" || (ev.SubType != "" && ev.SubType != "file_share") {
			return
		}
		msg := p.convertMessage(ev)
		// App mentions arrive twice (message + app_mention); the mention
		// event handles those.
		if msg.WasMentioned && msg.ChatType != models.ChatDirect {
			return
		}
		p.deliver(ctx, msg)
	}
}

func (p *Plugin) deliver(ctx context.Context, msg *models.MsgContext) {
	select {
	case p.msgs <- msg:
	case <-ctx.Done():
	default:
		p.log.Warn(ctx, "inbound queue full, dropping message", "conversation", msg.From)
	}
}

// Send posts one payload. A "user:" target opens the DM conversation first.
// Local media upload as files; remote URLs are linked in the text.
func (p *Plugin) Send(ctx context.Context, target string, payload models.ReplyPayload, opts channels.SendOptions) (channels.SendResult, error) {
	conv, ok := p.NormalizeTarget(target)
	if !ok {
		return channels.SendResult{}, models.NewError(models.ErrInvalidRequest, "invalid slack target %q", target)
	}
	if strings.HasPrefix(conv, "user:") {
		opened, _, _, err := p.client.OpenConversationContext(ctx, &slack.OpenConversationParameters{
			Users: []string{conv[len("user:"):]},
		})
		if err != nil {
			return channels.SendResult{}, classifySendErr(err)
		}
		conv = opened.ID
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return channels.SendResult{}, err
	}

	text := payload.Text
	var links []string
	var uploads []string
	for _, media := range payload.AllMedia() {
		if strings.HasPrefix(media, "http://") || strings.HasPrefix(media, "https://") {
			links = append(links, media)
		} else {
			uploads = append(uploads, media)
		}
	}
	if len(links) > 0 {
		if text != "" {
			text += "\n"
		}
		text += strings.Join(links, "\n")
	}

	options := buildOptions(text, payload, opts)
	var ts string
	if len(options) > 0 {
		_, postedTS, err := p.client.PostMessageContext(ctx, conv, options...)
		if err != nil {
			return channels.SendResult{}, classifySendErr(err)
		}
		ts = postedTS
	}

	for _, path := range uploads {
		if err := p.uploadFile(ctx, conv, path, opts.ThreadID); err != nil {
			p.log.Warn(ctx, "slack file upload failed", "path", path, "error", err)
		}
	}
	return channels.SendResult{MessageID: ts, ChannelID: conv}, nil
}

func buildOptions(text string, payload models.ReplyPayload, opts channels.SendOptions) []slack.MsgOption {
	var options []slack.MsgOption
	if len(payload.Blocks) > 0 {
		var blocks slack.Blocks
		if err := json.Unmarshal(payload.Blocks, &blocks); err == nil && len(blocks.BlockSet) > 0 {
			options = append(options, slack.MsgOptionBlocks(blocks.BlockSet...))
			if text != "" {
				// Fallback text for notifications and non-block surfaces.
				options = append(options, slack.MsgOptionText(text, false))
			}
			return appendRouting(options, opts)
		}
	}
	if text == "" {
		return nil
	}
	options = append(options, slack.MsgOptionText(channels.ToSlackMarkdown(text), false))
	return appendRouting(options, opts)
}

func appendRouting(options []slack.MsgOption, opts channels.SendOptions) []slack.MsgOption {
	threadTS := opts.ThreadID
	if threadTS == "" {
		threadTS = opts.ReplyToID
	}
	if threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}
	return options
}

func (p *Plugin) uploadFile(ctx context.Context, conv, path, threadTS string) error {
	_, err := p.client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:         conv,
		File:            path,
		Filename:        filepath.Base(path),
		ThreadTimestamp: threadTS,
	})
	return err
}

func (p *Plugin) convertMention(ev *slackevents.AppMentionEvent) *models.MsgContext {
	msg := p.convertMessage(&slackevents.MessageEvent{
		User:            ev.User,
		Text:            ev.Text,
		Channel:         ev.Channel,
		TimeStamp:       ev.TimeStamp,
		ThreadTimeStamp: ev.ThreadTimeStamp,
	})
	msg.WasMentioned = true
	return msg
}

func (p *Plugin) convertMessage(ev *slackevents.MessageEvent) *models.MsgContext {
	p.mu.RLock()
	botID := p.botID
	p.mu.RUnlock()

	msg := &models.MsgContext{
		Body:       stripBotMention(ev.Text, botID),
		From:       ev.Channel,
		Channel:    channelID,
		AccountID:  p.cfg.AccountID,
		ChatType:   models.ChatGroup,
		MessageSid: ev.TimeStamp,
		Timestamp:  tsToMillis(ev.TimeStamp),
		SenderName: ev.User,
		ThreadID:   ev.ThreadTimeStamp,
	}
	if strings.HasPrefix(ev.Channel, "D") {
		msg.ChatType = models.ChatDirect
	}
	if botID != "" && strings.Contains(ev.Text, "<@"+botID+">") {
		msg.WasMentioned = true
	}
	// File metadata lives on the normalized Message field, which the
	// slackevents unmarshaller populates for both plain and edited messages.
	if ev.Message != nil {
		for _, f := range ev.Message.Files {
			if f.URLPrivateDownload != "" {
				msg.MediaURLs = append(msg.MediaURLs, f.URLPrivateDownload)
			} else if f.URLPrivate != "" {
				msg.MediaURLs = append(msg.MediaURLs, f.URLPrivate)
			}
		}
	}
	return msg
}

func stripBotMention(text, botID string) string {
	if botID == "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "<@"+botID+">", ""))
}

// tsToMillis converts a Slack "1700000000.000200" timestamp to epoch
// milliseconds.
func tsToMillis(ts string) int64 {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return 0
	}
	ms := s * 1000
	if len(frac) >= 3 {
		if m, err := strconv.ParseInt(frac[:3], 10, 64); err == nil {
			ms += m
		}
	}
	return ms
}

func isSlackID(s string, prefixes ...byte) bool {
	if len(s) < 9 {
		return false
	}
	okPrefix := false
	for _, p := range prefixes {
		if s[0] == p {
			okPrefix = true
			break
		}
	}
	if !okPrefix {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

func classifySendErr(err error) error {
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return channels.Throttled("slack rate limited", rle.RetryAfter, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "channel_not_found") || strings.Contains(msg, "not_in_channel") || strings.Contains(msg, "invalid_auth"):
		return channels.Permanent("slack send rejected", err)
	default:
		return channels.Transient("slack send failed", err)
	}
}
