// Package telegram is the Telegram channel plugin, backed by the Bot API
// long-polling client.
package telegram

import (
	"context"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	tg "github.com/go-telegram/bot/models"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/pkg/models"
)

const channelID = "telegram"

// defaultSendRate stays under the Bot API's ~30 msg/s global ceiling.
const defaultSendRate = 25

// Config holds the bot credentials and send tuning.
type Config struct {
	Token     string
	AccountID string
	// SendRate is outbound messages per second; zero uses the default.
	SendRate float64
}

// Plugin implements channels.Plugin, Receiver and TypingNotifier over a
// single bot account.
type Plugin struct {
	cfg     Config
	log     *observability.Logger
	limiter *channels.RateLimiter
	health  *channels.Health

	bot *bot.Bot

	mu       sync.RWMutex
	username string
	botID    int64

	msgs      chan *models.MsgContext
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New builds the plugin. The bot does not connect until Start.
func New(cfg Config, log *observability.Logger) (*Plugin, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, models.NewError(models.ErrInvalidRequest, "telegram bot token is required")
	}
	rate := cfg.SendRate
	if rate <= 0 {
		rate = defaultSendRate
	}
	if cfg.AccountID == "" {
		cfg.AccountID = "default"
	}
	p := &Plugin{
		cfg:     cfg,
		log:     log.Module("telegram"),
		limiter: channels.NewRateLimiter(rate, 5),
		health:  channels.NewHealth(),
		msgs:    make(chan *models.MsgContext, 64),
	}
	b, err := bot.New(cfg.Token, bot.WithDefaultHandler(p.handleUpdate))
	if err != nil {
		return nil, models.WrapError(models.ErrUnavailable, err, "telegram bot init failed")
	}
	p.bot = b
	return p, nil
}

func (p *Plugin) ID() string        { return channelID }
func (p *Plugin) Aliases() []string { return []string{"tg"} }
func (p *Plugin) Order() int        { return 10 }

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

// NormalizeTarget accepts numeric chat ids (groups are negative) and
// @usernames.
func (p *Plugin) NormalizeTarget(raw string) (string, bool) {
	t := strings.TrimSpace(raw)
	t = strings.TrimPrefix(t, channelID+":")
	if t == "" {
		return "", false
	}
	if strings.HasPrefix(t, "@") && len(t) > 1 {
		return "@" + strings.ToLower(t[1:]), true
	}
	if _, err := strconv.ParseInt(t, 10, 64); err == nil {
		return t, true
	}
	return "", false
}

// HasMention scans the body for the bot's @username. Entity-based mentions
// are already folded into WasMentioned during conversion.
func (p *Plugin) HasMention(msg *models.MsgContext) bool {
	if msg.WasMentioned {
		return true
	}
	p.mu.RLock()
	username := p.username
	p.mu.RUnlock()
	if username == "" {
		return false
	}
	return strings.Contains(strings.ToLower(msg.Body), "@"+strings.ToLower(username))
}

// Start resolves the bot identity and begins long polling. It returns after
// the poll loop is spawned.
func (p *Plugin) Start(ctx context.Context) error {
	me, err := p.bot.GetMe(ctx)
	if err != nil {
		p.health.SetDisconnected(err.Error())
		return channels.Unavailable("telegram getMe failed", err)
	}
	p.mu.Lock()
	p.username = me.Username
	p.botID = me.ID
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.health.SetConnected()
	p.log.Info(ctx, "telegram connected", "username", me.Username)

	go func() {
		p.bot.Start(runCtx)
		p.health.SetDisconnected("poll loop stopped")
		p.closeOnce.Do(func() { close(p.msgs) })
	}()
	return nil
}

// Stop halts polling and closes the inbound channel.
func (p *Plugin) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

// Messages is the inbound stream; closed once polling stops.
func (p *Plugin) Messages() <-chan *models.MsgContext { return p.msgs }

// Status reports the poll-loop connection state.
func (p *Plugin) Status() channels.Status { return p.health.Status() }

// Typing flashes the platform typing indicator. Telegram auto-expires the
// action after a few seconds, so active=false is a no-op.
func (p *Plugin) Typing(ctx context.Context, target string, active bool) error {
	if !active {
		return nil
	}
	chatID, ok := p.NormalizeTarget(target)
	if !ok {
		return models.NewError(models.ErrInvalidRequest, "invalid telegram target %q", target)
	}
	_, err := p.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: tg.ChatActionTyping,
	})
	return err
}

// Send delivers one payload. Text-only goes out as a message; media goes out
// one item at a time with the text riding as the first caption.
func (p *Plugin) Send(ctx context.Context, target string, payload models.ReplyPayload, opts channels.SendOptions) (channels.SendResult, error) {
	chatID, ok := p.NormalizeTarget(target)
	if !ok {
		return channels.SendResult{}, models.NewError(models.ErrInvalidRequest, "invalid telegram target %q", target)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return channels.SendResult{}, err
	}

	media := payload.AllMedia()
	if len(media) == 0 {
		sent, err := p.bot.SendMessage(ctx, p.messageParams(chatID, payload.Text, payload, opts))
		if err != nil {
			return channels.SendResult{}, classifySendErr(err)
		}
		return channels.SendResult{MessageID: strconv.Itoa(sent.ID), ChannelID: chatID}, nil
	}

	var firstID string
	for i, url := range media {
		caption := ""
		if i == 0 {
			caption = payload.Text
		}
		id, err := p.sendMedia(ctx, chatID, url, caption, opts)
		if err != nil {
			return channels.SendResult{}, classifySendErr(err)
		}
		if firstID == "" {
			firstID = id
		}
	}
	return channels.SendResult{MessageID: firstID, ChannelID: chatID}, nil
}

func (p *Plugin) messageParams(chatID, text string, payload models.ReplyPayload, opts channels.SendOptions) *bot.SendMessageParams {
	params := &bot.SendMessageParams{
		ChatID:              chatID,
		Text:                text,
		DisableNotification: opts.Silent || payload.Silent,
	}
	applyRouting(&params.ReplyParameters, &params.MessageThreadID, opts)
	return params
}

func (p *Plugin) sendMedia(ctx context.Context, chatID, url, caption string, opts channels.SendOptions) (string, error) {
	input := &tg.InputFileString{Data: url}
	if isImage(url) {
		params := &bot.SendPhotoParams{
			ChatID:              chatID,
			Photo:               input,
			Caption:             caption,
			DisableNotification: opts.Silent,
		}
		applyRouting(&params.ReplyParameters, &params.MessageThreadID, opts)
		sent, err := p.bot.SendPhoto(ctx, params)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(sent.ID), nil
	}
	params := &bot.SendDocumentParams{
		ChatID:              chatID,
		Document:            input,
		Caption:             caption,
		DisableNotification: opts.Silent,
	}
	applyRouting(&params.ReplyParameters, &params.MessageThreadID, opts)
	sent, err := p.bot.SendDocument(ctx, params)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sent.ID), nil
}

func applyRouting(reply **tg.ReplyParameters, threadID *int, opts channels.SendOptions) {
	if opts.ReplyToID != "" {
		if id, err := strconv.Atoi(opts.ReplyToID); err == nil {
			*reply = &tg.ReplyParameters{MessageID: id}
		}
	}
	if opts.ThreadID != "" {
		if id, err := strconv.Atoi(opts.ThreadID); err == nil {
			*threadID = id
		}
	}
}

func (p *Plugin) handleUpdate(ctx context.Context, _ *bot.Bot, update *tg.Update) {
	m := update.Message
	if m == nil {
		return
	}
	if m.From != nil && m.From.IsBot {
		return
	}
	msg := p.convert(ctx, m)
	p.health.Ping()

	select {
	case p.msgs <- msg:
	case <-ctx.Done():
	default:
		p.log.Warn(ctx, "inbound queue full, dropping message", "chat_id", m.Chat.ID)
	}
}

func (p *Plugin) convert(ctx context.Context, m *tg.Message) *models.MsgContext {
	p.mu.RLock()
	username, botID := p.username, p.botID
	p.mu.RUnlock()

	body := m.Text
	if body == "" {
		body = m.Caption
	}

	msg := &models.MsgContext{
		Body:       body,
		From:       strconv.FormatInt(m.Chat.ID, 10),
		To:         "@" + username,
		Channel:    channelID,
		AccountID:  p.cfg.AccountID,
		ChatType:   chatTypeOf(string(m.Chat.Type)),
		MessageSid: strconv.Itoa(m.ID),
		Timestamp:  int64(m.Date) * 1000,
	}
	if m.From != nil {
		msg.SenderName = m.From.FirstName
		if msg.SenderName == "" {
			msg.SenderName = m.From.Username
		}
	}
	if msg.ChatType != models.ChatDirect {
		msg.GroupSubject = m.Chat.Title
	}
	if m.MessageThreadID != 0 {
		msg.ThreadID = strconv.Itoa(m.MessageThreadID)
	}
	msg.WasMentioned = mentioned(m, username, botID)
	msg.MediaURLs = p.mediaLinks(ctx, m)
	return msg
}

func chatTypeOf(t string) models.ChatType {
	switch t {
	case "group", "supergroup":
		return models.ChatGroup
	case "channel":
		return models.ChatChannel
	default:
		return models.ChatDirect
	}
}

func mentioned(m *tg.Message, username string, botID int64) bool {
	text := m.Text
	entities := m.Entities
	if text == "" {
		text = m.Caption
		entities = m.CaptionEntities
	}
	runes := []rune(text)
	for _, e := range entities {
		switch e.Type {
		case tg.MessageEntityTypeMention:
			if e.Offset+e.Length > len(runes) {
				continue
			}
			handle := string(runes[e.Offset : e.Offset+e.Length])
			if username != "" && strings.EqualFold(handle, "@"+username) {
				return true
			}
		case tg.MessageEntityTypeTextMention:
			if e.User != nil && e.User.ID == botID {
				return true
			}
		}
	}
	// Replying to one of the bot's own messages counts as addressing it.
	if m.ReplyToMessage != nil && m.ReplyToMessage.From != nil && m.ReplyToMessage.From.ID == botID {
		return true
	}
	return false
}

// mediaLinks resolves attachment file ids to download URLs. Failures are
// logged and skipped; the text still flows.
func (p *Plugin) mediaLinks(ctx context.Context, m *tg.Message) []string {
	var fileIDs []string
	if n := len(m.Photo); n > 0 {
		// Sizes are ordered smallest first; take the largest rendition.
		fileIDs = append(fileIDs, m.Photo[n-1].FileID)
	}
	if m.Document != nil {
		fileIDs = append(fileIDs, m.Document.FileID)
	}
	if m.Voice != nil {
		fileIDs = append(fileIDs, m.Voice.FileID)
	}
	if m.Audio != nil {
		fileIDs = append(fileIDs, m.Audio.FileID)
	}
	if m.Video != nil {
		fileIDs = append(fileIDs, m.Video.FileID)
	}

	var urls []string
	for _, id := range fileIDs {
		f, err := p.bot.GetFile(ctx, &bot.GetFileParams{FileID: id})
		if err != nil {
			p.log.Warn(ctx, "telegram getFile failed", "file_id", id, "error", err)
			continue
		}
		urls = append(urls, p.bot.FileDownloadLink(f))
	}
	return urls
}

func isImage(url string) bool {
	switch strings.ToLower(path.Ext(stripQuery(url))) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

func stripQuery(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}

func classifySendErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Too Many Requests") || strings.Contains(msg, "retry after"):
		return channels.Throttled("telegram rate limited", 0, err)
	case strings.Contains(msg, "chat not found") || strings.Contains(msg, "bot was blocked"):
		return channels.Permanent("telegram send rejected", err)
	default:
		return channels.Transient("telegram send failed", err)
	}
}
