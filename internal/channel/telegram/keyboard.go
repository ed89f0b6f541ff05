package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/aegis/internal/channel"
	"github.com/nextlevelbuilder/aegis/internal/store"
)

// choiceLabelMax keeps button labels readable on phone screens.
const choiceLabelMax = 32

// formatPrompt renders the operator-facing message for one prompt.
func formatPrompt(p channel.Prompt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🤖 %s needs input\n\n", p.Tool)
	b.WriteString(p.Excerpt)
	if p.Kind == store.InputFreeText {
		b.WriteString("\n\nReply to this chat with your answer.")
	}
	fmt.Fprintf(&b, "\n\nExpires %s", p.ExpiresAt.UTC().Format("15:04:05 MST"))
	return b.String()
}

// buildKeyboard maps a prompt kind to its inline keyboard. Free-text
// and unknown prompts carry no keyboard; the operator types instead.
func buildKeyboard(p channel.Prompt) *telego.InlineKeyboardMarkup {
	switch p.Kind {
	case store.InputYesNo:
		return &telego.InlineKeyboardMarkup{
			InlineKeyboard: [][]telego.InlineKeyboardButton{{
				button("✅ Yes", p, "y"),
				button("❌ No", p, "n"),
			}},
		}
	case store.InputConfirmEnter:
		return &telego.InlineKeyboardMarkup{
			InlineKeyboard: [][]telego.InlineKeyboardButton{{
				button("⏎ Continue", p, "\n"),
			}},
		}
	case store.InputMultipleChoice:
		rows := make([][]telego.InlineKeyboardButton, 0, len(p.Choices))
		for i, choice := range p.Choices {
			n := strconv.Itoa(i + 1)
			rows = append(rows, []telego.InlineKeyboardButton{
				button(n+". "+truncateLabel(choice), p, n),
			})
		}
		if len(rows) == 0 {
			return nil
		}
		return &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
	default:
		return nil
	}
}

func button(label string, p channel.Prompt, value string) telego.InlineKeyboardButton {
	return telego.InlineKeyboardButton{
		Text:         label,
		CallbackData: channel.EncodeCallback(p.ID, p.Nonce, value),
	}
}

func truncateLabel(s string) string {
	if len(s) <= choiceLabelMax {
		return s
	}
	return s[:choiceLabelMax-1] + "…"
}
