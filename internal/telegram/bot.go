package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"keyconnect/internal/license"
)

// Bot is the operator console. Only the admin chat may use it.
type Bot struct {
	api         *tgbotapi.BotAPI
	adminChatID int64
	manager     *license.Manager
	timeout     time.Duration
	log         zerolog.Logger

	mu     sync.Mutex
	states map[int64]pendingState
}

type pendingState string

const (
	stateNone           pendingState = ""
	stateNewSeller      pendingState = "new_seller"
	stateSuspend        pendingState = "suspend"
	stateUnsuspend      pendingState = "unsuspend"
	stateMaintenanceOn  pendingState = "maint_on"
	stateMaintenanceOff pendingState = "maint_off"
	stateNewKey         pendingState = "new_key"
	stateAskInfo        pendingState = "ask_info"
	stateRenew          pendingState = "renew"
	stateResetDevices   pendingState = "reset_devices"
	stateSetLimit       pendingState = "set_limit"
	stateDeleteKey      pendingState = "delete_key"
)

// prompts are sent when a menu button puts the chat into a pending state.
var prompts = map[pendingState]string{
	stateNewSeller:      "Send: <slug> <username> <password>",
	stateSuspend:        "Send the seller slug to suspend:",
	stateUnsuspend:      "Send the seller slug to unsuspend:",
	stateMaintenanceOn:  "Send the seller slug to start maintenance:",
	stateMaintenanceOff: "Send the seller slug to end maintenance:",
	stateNewKey:         "Send: <slug> <days> [max_devices] [custom_key]\nExample: test 30 2",
	stateAskInfo:        "Send: <slug> <key>",
	stateRenew:          "Send: <slug> <key> <days>",
	stateResetDevices:   "Send: <slug> <key>",
	stateSetLimit:       "Send: <slug> <key> <max_devices>",
	stateDeleteKey:      "Send: <slug> <key>",
}

func NewBot(token string, adminChatID int64, manager *license.Manager, timeout time.Duration, log zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = false
	return &Bot{
		api:         api,
		adminChatID: adminChatID,
		manager:     manager,
		timeout:     timeout,
		log:         log.With().Str("component", "telegram").Logger(),
		states:      map[int64]pendingState{},
	}, nil
}

func (b *Bot) Run(ctx context.Context) error {
	upd := tgbotapi.NewUpdate(0)
	upd.Timeout = 30
	updates := b.api.GetUpdatesChan(upd)
	defer b.api.StopReceivingUpdates()

	b.log.Info().Str("bot", b.api.Self.UserName).Msg("telegram bot started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.CallbackQuery != nil {
				b.handleCallback(ctx, u.CallbackQuery)
				continue
			}
			if u.Message != nil {
				b.handleMessage(ctx, u.Message)
				continue
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	chatID := m.Chat.ID
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	if chatID != b.adminChatID {
		b.reply(chatID, "This bot is for the operator only.")
		return
	}

	if strings.HasPrefix(text, "/start") || strings.HasPrefix(text, "/help") || strings.HasPrefix(text, "/menu") {
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "License console")
		return
	}

	st := b.getState(chatID)
	if st == stateNone {
		b.sendMenu(chatID, "Use the buttons.")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	reply, err := b.runPending(ctx, st, text)
	if err != nil {
		// Keep the state so the operator can correct the input.
		b.reply(chatID, "Error: "+err.Error())
		return
	}
	b.setState(chatID, stateNone)
	b.reply(chatID, reply)
	b.sendMenu(chatID, "")
}

func (b *Bot) runPending(ctx context.Context, st pendingState, text string) (string, error) {
	switch st {
	case stateNewSeller:
		in, err := parseNewSeller(text)
		if err != nil {
			return "", err
		}
		seller, err := b.manager.CreateSeller(ctx, in)
		if err != nil {
			return "", err
		}
		return "Seller created:\n" + formatSeller(seller), nil
	case stateSuspend, stateUnsuspend:
		slug, err := parseSlug(text)
		if err != nil {
			return "", err
		}
		seller, err := b.manager.SetSuspended(ctx, slug, st == stateSuspend)
		if err != nil {
			return "", err
		}
		return "OK\n" + formatSeller(seller), nil
	case stateMaintenanceOn, stateMaintenanceOff:
		slug, err := parseSlug(text)
		if err != nil {
			return "", err
		}
		seller, err := b.manager.SetMaintenance(ctx, slug, st == stateMaintenanceOn)
		if err != nil {
			return "", err
		}
		return "OK\n" + formatSeller(seller), nil
	case stateNewKey:
		slug, in, err := parseNewKey(text)
		if err != nil {
			return "", err
		}
		sub, err := b.manager.IssueKey(ctx, slug, in)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Key created:\n%s\nDevices: %d\nExpires: %s", sub.Key, sub.MaxDevices, sub.ExpiresAt.Format(time.RFC3339)), nil
	case stateAskInfo:
		slug, key, err := parseKeyRef(text)
		if err != nil {
			return "", err
		}
		info, err := b.manager.KeyInfo(ctx, slug, key)
		if err != nil {
			return "", err
		}
		return formatKeyInfo(info), nil
	case stateRenew:
		slug, key, n, err := parseKeyInt(text)
		if err != nil {
			return "", err
		}
		sub, err := b.manager.Renew(ctx, slug, key, n)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("OK\n%s\nExpires: %s", sub.Key, sub.ExpiresAt.Format(time.RFC3339)), nil
	case stateResetDevices:
		slug, key, err := parseKeyRef(text)
		if err != nil {
			return "", err
		}
		if err := b.manager.ResetDevices(ctx, slug, key); err != nil {
			return "", err
		}
		return "Devices cleared for " + key, nil
	case stateSetLimit:
		slug, key, n, err := parseKeyInt(text)
		if err != nil {
			return "", err
		}
		sub, err := b.manager.SetMaxDevices(ctx, slug, key, n)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("OK\n%s\nDevices: %d/%d", sub.Key, sub.BoundDevices.Len(), sub.MaxDevices), nil
	case stateDeleteKey:
		slug, key, err := parseKeyRef(text)
		if err != nil {
			return "", err
		}
		if err := b.manager.DeleteKey(ctx, slug, key); err != nil {
			return "", err
		}
		return "Deleted " + key, nil
	default:
		return "", fmt.Errorf("unknown action")
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.Message == nil {
		return
	}
	chatID := q.Message.Chat.ID

	if chatID != b.adminChatID {
		_ = b.answerCallback(q.ID, "Access denied")
		return
	}

	data := strings.TrimSpace(q.Data)
	_ = b.answerCallback(q.ID, "")

	switch {
	case data == "menu":
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "License console")
	case data == "sellers":
		b.setState(chatID, stateNone)
		b.cmdSellers(ctx, chatID)
	case strings.HasPrefix(data, "keys:"):
		b.setState(chatID, stateNone)
		b.cmdKeys(ctx, chatID, strings.TrimPrefix(data, "keys:"))
	default:
		st := pendingState(data)
		prompt, ok := prompts[st]
		if !ok {
			b.sendMenu(chatID, "Unknown action")
			return
		}
		b.setState(chatID, st)
		b.reply(chatID, prompt)
	}
}

func (b *Bot) sendMenu(chatID int64, title string) {
	if strings.TrimSpace(title) == "" {
		title = "Menu"
	}
	msg := tgbotapi.NewMessage(chatID, title)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ New key", string(stateNewKey)),
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Key info", string(stateAskInfo)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⏩ Renew", string(stateRenew)),
			tgbotapi.NewInlineKeyboardButtonData("♻️ Reset devices", string(stateResetDevices)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✏️ Device limit", string(stateSetLimit)),
			tgbotapi.NewInlineKeyboardButtonData("🗑 Delete key", string(stateDeleteKey)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📋 Sellers", "sellers"),
			tgbotapi.NewInlineKeyboardButtonData("👤 New seller", string(stateNewSeller)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🛠 Maintenance on", string(stateMaintenanceOn)),
			tgbotapi.NewInlineKeyboardButtonData("✅ Maintenance off", string(stateMaintenanceOff)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⛔ Suspend", string(stateSuspend)),
			tgbotapi.NewInlineKeyboardButtonData("▶️ Unsuspend", string(stateUnsuspend)),
		),
	)
	b.send(msg)
}

func (b *Bot) cmdSellers(ctx context.Context, chatID int64) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	sellers, err := b.manager.ListSellers(ctx)
	if err != nil {
		b.reply(chatID, "Error: "+err.Error())
		return
	}
	if len(sellers) == 0 {
		b.reply(chatID, "No sellers yet")
		return
	}

	lines := []string{"Sellers (tap for keys):"}
	buttons := make([][]tgbotapi.InlineKeyboardButton, 0, len(sellers)+1)
	for _, s := range sellers {
		lines = append(lines, "- "+sellerLine(s))
		buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔑 "+s.Slug, "keys:"+s.Slug),
		))
	}
	buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("↩️ Menu", "menu"),
	))

	msg := tgbotapi.NewMessage(chatID, strings.Join(lines, "\n"))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons...)
	b.send(msg)
}

func (b *Bot) cmdKeys(ctx context.Context, chatID int64, slug string) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	infos, err := b.manager.ListKeys(ctx, slug)
	if err != nil {
		b.reply(chatID, "Error: "+err.Error())
		return
	}
	b.reply(chatID, formatKeyList(slug, infos, maxListedKeys))
}

func (b *Bot) answerCallback(id string, text string) error {
	cb := tgbotapi.NewCallback(id, text)
	_, err := b.api.Request(cb)
	return err
}

func (b *Bot) setState(chatID int64, st pendingState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st == stateNone {
		delete(b.states, chatID)
		return
	}
	b.states[chatID] = st
}

func (b *Bot) getState(chatID int64) pendingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[chatID]
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	b.send(msg)
}

func (b *Bot) send(msg tgbotapi.MessageConfig) {
	if _, err := b.api.Send(msg); err != nil {
		b.log.Warn().Err(err).Int64("chat_id", msg.ChatID).Msg("telegram send failed")
	}
}
