// Package whatsapp is the WhatsApp channel plugin, backed by whatsmeow's
// multi-device client. The session lives in a SQLite store; first login
// renders a QR code to scan from the phone.
package whatsapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/pkg/models"
)

const channelID = "whatsapp"

// Config locates the whatsmeow session store.
type Config struct {
	// StorePath is the SQLite session database.
	StorePath string
	// QRPath is where the login QR code PNG is written; defaults next to
	// the store.
	QRPath    string
	AccountID string
}

// Plugin implements channels.Plugin, Receiver and TypingNotifier over one
// linked device.
type Plugin struct {
	cfg       Config
	log       *observability.Logger
	limiter   *channels.RateLimiter
	health    *channels.Health
	container *sqlstore.Container

	mu     sync.RWMutex
	client *whatsmeow.Client

	msgs      chan *models.MsgContext
	mediaDir  string
	closeOnce sync.Once
}

// New opens the session store. The socket connects in Start.
func New(cfg Config, log *observability.Logger) (*Plugin, error) {
	if strings.TrimSpace(cfg.StorePath) == "" {
		return nil, models.NewError(models.ErrInvalidRequest, "whatsapp store_path is required")
	}
	if cfg.AccountID == "" {
		cfg.AccountID = "default"
	}
	if cfg.QRPath == "" {
		cfg.QRPath = filepath.Join(filepath.Dir(cfg.StorePath), "whatsapp-login.png")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o700); err != nil {
		return nil, err
	}
	container, err := sqlstore.New(context.Background(), "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", cfg.StorePath), waLog.Noop)
	if err != nil {
		return nil, models.WrapError(models.ErrUnavailable, err, "whatsapp session store open failed")
	}
	return &Plugin{
		cfg:       cfg,
		log:       log.Module("whatsapp"),
		limiter:   channels.NewRateLimiter(1, 3),
		health:    channels.NewHealth(),
		container: container,
		msgs:      make(chan *models.MsgContext, 64),
		mediaDir:  filepath.Join(filepath.Dir(cfg.StorePath), "whatsapp-media"),
	}, nil
}

func (p *Plugin) ID() string        { return channelID }
func (p *Plugin) Aliases() []string { return []string{"wa"} }
func (p *Plugin) Order() int        { return 40 }

func (p *Plugin) Capabilities() []channels.Capability {
	return []channels.Capability{
		channels.CapSend,
		channels.CapReceive,
		channels.CapTypingIndicator,
		channels.CapMedia,
	}
}

func (p *Plugin) MaxTextChars() int       { return channels.DefaultTextLimit(channelID) }
func (p *Plugin) SupportsMarkdown() bool  { return false }
func (p *Plugin) SupportsThreading() bool { return false }
func (p *Plugin) SupportsBlocks() bool    { return false }

// NormalizeTarget accepts full JIDs and bare phone numbers, which
// canonicalize to the user server.
func (p *Plugin) NormalizeTarget(raw string) (string, bool) {
	t := strings.TrimSpace(raw)
	t = strings.TrimPrefix(t, channelID+":")
	if t == "" {
		return "", false
	}
	if strings.ContainsRune(t, '@') {
		jid, err := types.ParseJID(t)
		if err != nil || jid.User == "" {
			return "", false
		}
		return jid.String(), true
	}
	digits := strings.TrimPrefix(t, "+")
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	if len(digits) < 5 {
		return "", false
	}
	return digits + "@" + types.DefaultUserServer, true
}

// HasMention checks the flag set while converting the event.
func (p *Plugin) HasMention(msg *models.MsgContext) bool {
	return msg.WasMentioned
}

// Start loads (or provisions) the device and connects. When no device is
// linked yet, the pairing QR code is written as a PNG and logged.
func (p *Plugin) Start(ctx context.Context) error {
	device, err := p.container.GetFirstDevice(ctx)
	if err != nil {
		return channels.Unavailable("whatsapp device load failed", err)
	}
	client := whatsmeow.NewClient(device, waLog.Noop)
	client.AddEventHandler(func(evt any) { p.handleEvent(ctx, evt) })
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return channels.Unavailable("whatsapp pairing channel failed", err)
		}
		if err := client.Connect(); err != nil {
			return channels.Unavailable("whatsapp connect failed", err)
		}
		go p.pairLoop(ctx, qrChan)
		return nil
	}
	if err := client.Connect(); err != nil {
		p.health.SetDisconnected(err.Error())
		return channels.Unavailable("whatsapp connect failed", err)
	}
	return nil
}

func (p *Plugin) pairLoop(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 256, p.cfg.QRPath); err != nil {
					p.log.Error(ctx, "whatsapp qr render failed", "error", err)
					continue
				}
				p.log.Info(ctx, "scan whatsapp login qr", "path", p.cfg.QRPath)
			case "success":
				_ = os.Remove(p.cfg.QRPath)
				p.log.Info(ctx, "whatsapp device linked")
			case "timeout":
				p.health.SetDisconnected("pairing timed out")
				p.log.Warn(ctx, "whatsapp pairing timed out, restart to retry")
			}
		}
	}
}

// Stop disconnects and closes the session store.
func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client != nil {
		client.Disconnect()
	}
	err := p.container.Close()
	p.health.SetDisconnected("stopped")
	p.closeOnce.Do(func() { close(p.msgs) })
	return err
}

// Messages is the inbound stream; closed on Stop.
func (p *Plugin) Messages() <-chan *models.MsgContext { return p.msgs }

// Status reports the socket connection state.
func (p *Plugin) Status() channels.Status { return p.health.Status() }

// Typing toggles the composing presence for the chat.
func (p *Plugin) Typing(ctx context.Context, target string, active bool) error {
	client := p.activeClient()
	if client == nil {
		return channels.Unavailable("whatsapp not connected", nil)
	}
	jid, err := p.targetJID(target)
	if err != nil {
		return err
	}
	state := types.ChatPresenceComposing
	if !active {
		state = types.ChatPresencePaused
	}
	return client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

// Send delivers one payload: text first, then each media item with the
// text riding as the first caption when there was no text message.
func (p *Plugin) Send(ctx context.Context, target string, payload models.ReplyPayload, opts channels.SendOptions) (channels.SendResult, error) {
	client := p.activeClient()
	if client == nil {
		return channels.SendResult{}, channels.Unavailable("whatsapp not connected", nil)
	}
	jid, err := p.targetJID(target)
	if err != nil {
		return channels.SendResult{}, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return channels.SendResult{}, err
	}

	var firstID string
	media := payload.AllMedia()
	if payload.Text != "" && len(media) == 0 {
		resp, err := client.SendMessage(ctx, jid, &waE2E.Message{
			Conversation: proto.String(payload.Text),
		})
		if err != nil {
			return channels.SendResult{}, classifySendErr(err)
		}
		firstID = resp.ID
	}
	for i, item := range media {
		caption := ""
		if i == 0 {
			caption = payload.Text
		}
		id, err := p.sendMedia(ctx, client, jid, item, caption)
		if err != nil {
			return channels.SendResult{}, classifySendErr(err)
		}
		if firstID == "" {
			firstID = id
		}
	}
	if firstID == "" {
		return channels.SendResult{}, models.NewError(models.ErrInvalidRequest, "empty whatsapp payload")
	}
	return channels.SendResult{MessageID: firstID, ChannelID: jid.String()}, nil
}

func (p *Plugin) activeClient() *whatsmeow.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

func (p *Plugin) targetJID(target string) (types.JID, error) {
	normalized, ok := p.NormalizeTarget(target)
	if !ok {
		return types.JID{}, models.NewError(models.ErrInvalidRequest, "invalid whatsapp target %q", target)
	}
	return types.ParseJID(normalized)
}

func (p *Plugin) handleEvent(ctx context.Context, evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		p.health.SetConnected()
		p.log.Info(ctx, "whatsapp connected")
	case *events.Disconnected:
		p.health.SetDisconnected("disconnected")
		p.log.Warn(ctx, "whatsapp disconnected")
	case *events.LoggedOut:
		p.health.SetDisconnected("logged out")
		p.log.Warn(ctx, "whatsapp logged out, delete the store to relink")
	case *events.Message:
		p.handleMessage(ctx, v)
	}
}

func (p *Plugin) handleMessage(ctx context.Context, evt *events.Message) {
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	if evt.Info.IsFromMe {
		return
	}
	msg := p.convert(ctx, evt)
	if msg.Body == "" && len(msg.MediaPaths) == 0 {
		return
	}
	p.health.Ping()

	select {
	case p.msgs <- msg:
	case <-ctx.Done():
	default:
		p.log.Warn(ctx, "inbound queue full, dropping message", "chat", evt.Info.Chat.String())
	}
}

func (p *Plugin) convert(ctx context.Context, evt *events.Message) *models.MsgContext {
	msg := &models.MsgContext{
		From:       evt.Info.Chat.String(),
		Channel:    channelID,
		AccountID:  p.cfg.AccountID,
		ChatType:   models.ChatDirect,
		MessageSid: evt.Info.ID,
		Timestamp:  evt.Info.Timestamp.UnixMilli(),
		SenderName: evt.Info.PushName,
	}
	if evt.Info.IsGroup {
		msg.ChatType = models.ChatGroup
	}
	msg.Body, msg.WasMentioned = p.extractText(evt.Message)
	if path := p.downloadMedia(ctx, evt); path != "" {
		msg.MediaPaths = []string{path}
	}
	return msg
}

// extractText pulls the body out of whichever message shape arrived and
// reports whether the linked account is @-mentioned.
func (p *Plugin) extractText(m *waE2E.Message) (string, bool) {
	if m == nil {
		return "", false
	}
	switch {
	case m.Conversation != nil:
		return m.GetConversation(), false
	case m.ExtendedTextMessage != nil:
		ext := m.ExtendedTextMessage
		return ext.GetText(), p.mentionsSelf(ext.GetContextInfo())
	case m.ImageMessage != nil:
		return m.ImageMessage.GetCaption(), p.mentionsSelf(m.ImageMessage.GetContextInfo())
	case m.VideoMessage != nil:
		return m.VideoMessage.GetCaption(), false
	case m.DocumentMessage != nil:
		return m.DocumentMessage.GetCaption(), false
	}
	return "", false
}

func (p *Plugin) mentionsSelf(info *waE2E.ContextInfo) bool {
	client := p.activeClient()
	if info == nil || client == nil || client.Store.ID == nil {
		return false
	}
	self := client.Store.ID.User
	for _, jid := range info.GetMentionedJID() {
		if parsed, err := types.ParseJID(jid); err == nil && parsed.User == self {
			return true
		}
	}
	return false
}

// downloadMedia decrypts the first attachment into the media spool and
// returns its path. Failures log and drop the attachment only.
func (p *Plugin) downloadMedia(ctx context.Context, evt *events.Message) string {
	client := p.activeClient()
	if client == nil {
		return ""
	}
	var (
		blob whatsmeow.DownloadableMessage
		ext  string
	)
	switch m := evt.Message; {
	case m.GetImageMessage() != nil:
		blob, ext = m.GetImageMessage(), extForMime(m.GetImageMessage().GetMimetype(), ".jpg")
	case m.GetDocumentMessage() != nil:
		blob, ext = m.GetDocumentMessage(), extForMime(m.GetDocumentMessage().GetMimetype(), ".bin")
	case m.GetAudioMessage() != nil:
		blob, ext = m.GetAudioMessage(), extForMime(m.GetAudioMessage().GetMimetype(), ".ogg")
	case m.GetVideoMessage() != nil:
		blob, ext = m.GetVideoMessage(), extForMime(m.GetVideoMessage().GetMimetype(), ".mp4")
	default:
		return ""
	}
	data, err := client.Download(ctx, blob)
	if err != nil {
		p.log.Warn(ctx, "whatsapp media download failed", "error", err)
		return ""
	}
	if err := os.MkdirAll(p.mediaDir, 0o700); err != nil {
		p.log.Warn(ctx, "whatsapp media dir failed", "error", err)
		return ""
	}
	path := filepath.Join(p.mediaDir, evt.Info.ID+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		p.log.Warn(ctx, "whatsapp media write failed", "error", err)
		return ""
	}
	return path
}

func (p *Plugin) sendMedia(ctx context.Context, client *whatsmeow.Client, jid types.JID, item, caption string) (string, error) {
	data, err := readMedia(ctx, item)
	if err != nil {
		return "", models.WrapError(models.ErrInvalidRequest, err, "unreadable media %q", item)
	}
	mimeType := mimeOf(item)

	var mediaType whatsmeow.MediaType
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		mediaType = whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		mediaType = whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		mediaType = whatsmeow.MediaAudio
	default:
		mediaType = whatsmeow.MediaDocument
	}
	uploaded, err := client.Upload(ctx, data, mediaType)
	if err != nil {
		return "", err
	}

	waMsg := mediaMessage(mediaType, uploaded, mimeType, caption, filepath.Base(item))
	resp, err := client.SendMessage(ctx, jid, waMsg)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func mediaMessage(mediaType whatsmeow.MediaType, up whatsmeow.UploadResponse, mimeType, caption, filename string) *waE2E.Message {
	switch mediaType {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
			Mimetype:      &mimeType,
			Caption:       &caption,
		}}
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
			Mimetype:      &mimeType,
			Caption:       &caption,
		}}
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
			Mimetype:      &mimeType,
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
			Mimetype:      &mimeType,
			Caption:       &caption,
			FileName:      &filename,
		}}
	}
}

func classifySendErr(err error) error {
	switch {
	case err == nil:
		return nil
	case strings.Contains(err.Error(), "rate-overlimit"):
		return channels.Throttled("whatsapp rate limited", 0, err)
	case strings.Contains(err.Error(), "websocket not connected"):
		return channels.Unavailable("whatsapp not connected", err)
	default:
		return channels.Transient("whatsapp send failed", err)
	}
}
