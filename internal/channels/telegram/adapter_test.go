package telegram

import (
	"context"
	"errors"
	"testing"

	tg "github.com/go-telegram/bot/models"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/pkg/models"
)

func testPlugin() *Plugin {
	return &Plugin{
		cfg:      Config{AccountID: "acct"},
		log:      observability.Nop(),
		username: "clawdis_bot",
		botID:    42,
	}
}

func TestNormalizeTarget(t *testing.T) {
	p := testPlugin()
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"123456", "123456", true},
		{"-100987", "-100987", true},
		{"telegram:123", "123", true},
		{"@SomeUser", "@someuser", true},
		{"", "", false},
		{"@", "", false},
		{"not-a-chat", "", false},
	}
	for _, tc := range cases {
		got, ok := p.NormalizeTarget(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Errorf("NormalizeTarget(%q) = %q, %v; want %q, %v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestConvertGroupMessage(t *testing.T) {
	p := testPlugin()
	m := &tg.Message{
		ID:   5,
		Date: 1_700_000_000,
		Chat: tg.Chat{ID: -100123, Type: "supergroup", Title: "Ops"},
		From: &tg.User{ID: 7, FirstName: "Ana"},
		Text: "hello there",
	}

	msg := p.convert(context.Background(), m)
	if msg.Channel != "telegram" || msg.AccountID != "acct" {
		t.Errorf("routing = %q/%q", msg.Channel, msg.AccountID)
	}
	if msg.From != "-100123" || msg.ChatType != models.ChatGroup {
		t.Errorf("chat = %q %q", msg.From, msg.ChatType)
	}
	if msg.GroupSubject != "Ops" || msg.SenderName != "Ana" {
		t.Errorf("names = %q %q", msg.GroupSubject, msg.SenderName)
	}
	if msg.MessageSid != "5" || msg.Timestamp != 1_700_000_000_000 {
		t.Errorf("sid/ts = %q %d", msg.MessageSid, msg.Timestamp)
	}
	if msg.WasMentioned {
		t.Error("plain group message marked as mention")
	}
}

func TestConvertCaptionBody(t *testing.T) {
	p := testPlugin()
	m := &tg.Message{
		Chat:    tg.Chat{ID: 9, Type: "private"},
		Caption: "look at this",
	}
	msg := p.convert(context.Background(), m)
	if msg.Body != "look at this" || msg.ChatType != models.ChatDirect {
		t.Errorf("converted = %q %q", msg.Body, msg.ChatType)
	}
}

func TestMentioned(t *testing.T) {
	text := "hey @clawdis_bot do the thing"
	m := &tg.Message{
		Text: text,
		Entities: []tg.MessageEntity{
			{Type: tg.MessageEntityTypeMention, Offset: 4, Length: 12},
		},
	}
	if !mentioned(m, "clawdis_bot", 42) {
		t.Error("entity mention missed")
	}
	if mentioned(m, "other_bot", 99) {
		t.Error("foreign mention matched")
	}

	textMention := &tg.Message{
		Text: "hey you",
		Entities: []tg.MessageEntity{
			{Type: tg.MessageEntityTypeTextMention, Offset: 4, Length: 3, User: &tg.User{ID: 42}},
		},
	}
	if !mentioned(textMention, "clawdis_bot", 42) {
		t.Error("text_mention of the bot missed")
	}

	reply := &tg.Message{
		Text:           "sounds good",
		ReplyToMessage: &tg.Message{From: &tg.User{ID: 42}},
	}
	if !mentioned(reply, "clawdis_bot", 42) {
		t.Error("reply to bot not treated as mention")
	}
}

func TestHasMentionFallsBackToBody(t *testing.T) {
	p := testPlugin()
	if !p.HasMention(&models.MsgContext{Body: "ping @Clawdis_Bot please"}) {
		t.Error("body scan missed the handle")
	}
	if p.HasMention(&models.MsgContext{Body: "no handle here"}) {
		t.Error("false positive mention")
	}
	if !p.HasMention(&models.MsgContext{WasMentioned: true}) {
		t.Error("WasMentioned flag ignored")
	}
}

func TestIsImage(t *testing.T) {
	cases := map[string]bool{
		"https://x.test/a.jpg":        true,
		"https://x.test/a.PNG":        true,
		"https://x.test/a.webp?s=big": true,
		"https://x.test/report.pdf":   false,
		"/tmp/voice.ogg":              false,
	}
	for url, want := range cases {
		if got := isImage(url); got != want {
			t.Errorf("isImage(%q) = %v", url, got)
		}
	}
}

func TestClassifySendErr(t *testing.T) {
	cases := []struct {
		err  error
		kind models.ErrorKind
	}{
		{errors.New("telegram: Too Many Requests: retry after 3"), models.ErrThrottled},
		{errors.New("telegram: Bad Request: chat not found"), models.ErrPermanent},
		{errors.New("Forbidden: bot was blocked by the user"), models.ErrPermanent},
		{errors.New("connection reset"), models.ErrTransient},
	}
	for _, tc := range cases {
		got, _ := channels.ClassifySendError(classifySendErr(tc.err))
		if got != tc.kind {
			t.Errorf("classifySendErr(%v) kind = %v, want %v", tc.err, got, tc.kind)
		}
	}
}
