package discord

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/clawdis/clawdis/pkg/models"
)

func TestNormalizeTarget(t *testing.T) {
	p := &Plugin{}
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"123456789012345678", "123456789012345678", true},
		{"discord:123456789012345678", "123456789012345678", true},
		{"<#123456789012345678>", "123456789012345678", true},
		{"general", "", false},
		{"123", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := p.NormalizeTarget(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Errorf("NormalizeTarget(%q) = %q, %v; want %q, %v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestConvertGuildMessage(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &discordgo.Message{
		ID:        "900000000000000001",
		ChannelID: "800000000000000001",
		GuildID:   "700000000000000001",
		Content:   "hello <@42>",
		Timestamp: ts,
		Author:    &discordgo.User{ID: "7", Username: "ana"},
		Mentions:  []*discordgo.User{{ID: "42"}},
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn.test/a.png"},
		},
	}

	msg := convert(m, "42", "acct")
	if msg.From != "800000000000000001" || msg.ChatType != models.ChatGroup {
		t.Errorf("routing = %q %q", msg.From, msg.ChatType)
	}
	if !msg.WasMentioned {
		t.Error("bot mention missed")
	}
	if msg.SenderName != "ana" || msg.Timestamp != ts.UnixMilli() {
		t.Errorf("meta = %q %d", msg.SenderName, msg.Timestamp)
	}
	if len(msg.MediaURLs) != 1 || msg.MediaURLs[0] != "https://cdn.test/a.png" {
		t.Errorf("media = %v", msg.MediaURLs)
	}
}

func TestConvertDirectMessage(t *testing.T) {
	m := &discordgo.Message{
		ID:        "900000000000000002",
		ChannelID: "800000000000000002",
		Content:   "hi",
		Author:    &discordgo.User{ID: "7", Username: "ana"},
		Mentions:  []*discordgo.User{{ID: "7"}},
	}
	msg := convert(m, "42", "acct")
	if msg.ChatType != models.ChatDirect {
		t.Errorf("chat type = %q", msg.ChatType)
	}
	if msg.WasMentioned {
		t.Error("foreign mention counted as bot mention")
	}
}

func TestConvertReplyCarriesThread(t *testing.T) {
	m := &discordgo.Message{
		ID:               "900000000000000003",
		ChannelID:        "800000000000000001",
		Content:          "following up",
		Author:           &discordgo.User{ID: "7"},
		MessageReference: &discordgo.MessageReference{MessageID: "900000000000000001"},
	}
	msg := convert(m, "42", "acct")
	if msg.ThreadID != "900000000000000001" {
		t.Errorf("thread = %q", msg.ThreadID)
	}
}
