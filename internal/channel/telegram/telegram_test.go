package telegram

import (
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/aegis/internal/channel"
	"github.com/nextlevelbuilder/aegis/internal/config"
	"github.com/nextlevelbuilder/aegis/internal/store"
)

func samplePrompt(kind string) channel.Prompt {
	return channel.Prompt{
		ID:        "a1b2c3d4e5f60718293a4b5c6d7e8f90",
		SessionID: "s1",
		Tool:      "claude",
		Kind:      kind,
		Excerpt:   "Do you want to continue? (y/n)",
		Nonce:     "00112233445566778899aabbccddeeff",
		ExpiresAt: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
}

func TestBuildKeyboardYesNo(t *testing.T) {
	kb := buildKeyboard(samplePrompt(store.InputYesNo))
	if kb == nil || len(kb.InlineKeyboard) != 1 || len(kb.InlineKeyboard[0]) != 2 {
		t.Fatalf("keyboard = %+v", kb)
	}
	for _, btn := range kb.InlineKeyboard[0] {
		if len(btn.CallbackData) > 64 {
			t.Errorf("callback data %d bytes for %q", len(btn.CallbackData), btn.Text)
		}
		if _, _, _, err := channel.ParseCallback(btn.CallbackData); err != nil {
			t.Errorf("button %q carries unparsable data: %v", btn.Text, err)
		}
	}
	_, _, value, _ := channel.ParseCallback(kb.InlineKeyboard[0][1].CallbackData)
	if value != "n" {
		t.Errorf("no-button value = %q", value)
	}
}

func TestBuildKeyboardMultipleChoice(t *testing.T) {
	p := samplePrompt(store.InputMultipleChoice)
	p.Choices = []string{"Yes, proceed", "Yes, and remember", "No, cancel"}
	kb := buildKeyboard(p)
	if kb == nil || len(kb.InlineKeyboard) != 3 {
		t.Fatalf("keyboard rows = %+v", kb)
	}
	_, _, value, err := channel.ParseCallback(kb.InlineKeyboard[2][0].CallbackData)
	if err != nil {
		t.Fatal(err)
	}
	if value != "3" {
		t.Errorf("third choice value = %q, want 3", value)
	}
}

func TestBuildKeyboardConfirmEnter(t *testing.T) {
	kb := buildKeyboard(samplePrompt(store.InputConfirmEnter))
	if kb == nil || len(kb.InlineKeyboard) != 1 {
		t.Fatalf("keyboard = %+v", kb)
	}
	_, _, value, err := channel.ParseCallback(kb.InlineKeyboard[0][0].CallbackData)
	if err != nil {
		t.Fatal(err)
	}
	if value != "\n" {
		t.Errorf("enter value = %q", value)
	}
}

func TestBuildKeyboardFreeTextHasNone(t *testing.T) {
	if kb := buildKeyboard(samplePrompt(store.InputFreeText)); kb != nil {
		t.Errorf("free-text prompt got keyboard %+v", kb)
	}
	if kb := buildKeyboard(samplePrompt(store.InputUnknown)); kb != nil {
		t.Errorf("unknown prompt got keyboard %+v", kb)
	}
}

func TestFormatPromptFreeTextInstruction(t *testing.T) {
	text := formatPrompt(samplePrompt(store.InputFreeText))
	if !strings.Contains(text, "Reply to this chat") {
		t.Errorf("free-text prompt missing reply instruction:\n%s", text)
	}
	if !strings.Contains(text, "claude") {
		t.Errorf("prompt missing tool name:\n%s", text)
	}
}

func TestTruncateLabel(t *testing.T) {
	long := strings.Repeat("x", 80)
	got := truncateLabel(long)
	if len(got) > choiceLabelMax+2 { // ellipsis is multi-byte
		t.Errorf("label %d bytes", len(got))
	}
	if truncateLabel("short") != "short" {
		t.Error("short label modified")
	}
}

func TestIsAllowed(t *testing.T) {
	c := &Channel{cfg: config.TelegramConfig{AllowedUsers: []int64{42, 77}}}
	if !c.isAllowed(42) || !c.isAllowed(77) {
		t.Error("allow-listed user rejected")
	}
	if c.isAllowed(99) {
		t.Error("unknown user accepted")
	}
}

func TestDeliverDropsWhenFull(t *testing.T) {
	c := &Channel{replies: make(chan channel.Reply, 1)}
	c.deliver(channel.Reply{PromptID: "p1"})
	c.deliver(channel.Reply{PromptID: "p2"}) // must not block
	got := <-c.replies
	if got.PromptID != "p1" {
		t.Errorf("first queued reply = %q", got.PromptID)
	}
	select {
	case r := <-c.replies:
		t.Errorf("unexpected second reply %q", r.PromptID)
	default:
	}
}

func TestCurrentFreeText(t *testing.T) {
	c := &Channel{live: map[string]*livePrompt{}}
	if c.currentFreeText() != nil {
		t.Fatal("empty registry returned a prompt")
	}

	yn := samplePrompt(store.InputYesNo)
	c.live[yn.ID[:channel.ShortIDLen]] = &livePrompt{prompt: yn}
	if c.currentFreeText() != nil {
		t.Fatal("yes/no prompt returned as free-text")
	}

	ft := samplePrompt(store.InputFreeText)
	ft.ID = "ffeeddccbbaa99887766554433221100"
	c.live[ft.ID[:channel.ShortIDLen]] = &livePrompt{prompt: ft}
	got := c.currentFreeText()
	if got == nil || got.prompt.ID != ft.ID {
		t.Fatalf("currentFreeText = %+v", got)
	}
}
