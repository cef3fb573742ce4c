// Package bot is the Telegram front end: it delivers listing notifications
// and handles the user's commands and button callbacks.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"market_radar/internal/config"
	"market_radar/internal/model"
	"market_radar/internal/storage"
)

// Telegram caps callback data at 64 bytes.
const maxCallbackData = 64

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot is the Telegram bot that handles user commands and sends notifications.
type Bot struct {
	api   telegramAPI
	store storage.Storage
	cfg   *config.Config
	log   *slog.Logger
}

// New creates a Bot with the given Telegram token, storage, and config.
func New(token string, store storage.Storage, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:   api,
		store: store,
		cfg:   cfg,
		log:   log,
	}, nil
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				if !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
					continue
				}
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

// SendListing sends a listing notification with its action buttons. Listings
// with an image go out as a photo; if Telegram rejects the photo the text is
// sent on its own.
func (b *Bot) SendListing(chatID, taskID int64, l model.Listing, text string) {
	kb := listingKeyboard(taskID, l)

	if l.ImageURL != "" {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(l.ImageURL))
		photo.Caption = truncate(text, captionLimit)
		photo.ReplyMarkup = kb
		_, err := b.api.Send(photo)
		if err == nil {
			return
		}
		b.log.Warn("send photo, falling back to text", "chat_id", chatID, "listing_id", l.ID, "error", err)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = kb
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send listing", "chat_id", chatID, "listing_id", l.ID, "error", err)
	}
}

func listingKeyboard(taskID int64, l model.Listing) tgbotapi.InlineKeyboardMarkup {
	var top []tgbotapi.InlineKeyboardButton
	if l.URL != "" {
		top = append(top, tgbotapi.NewInlineKeyboardButtonURL("Open", l.URL))
	}
	seen := fmt.Sprintf("seen:%d:%s", taskID, l.ID)
	fav := fmt.Sprintf("fav:%d:%s", taskID, l.ID)
	if len(seen) <= maxCallbackData {
		top = append(top, tgbotapi.NewInlineKeyboardButtonData("Seen", seen))
	}

	bottom := []tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardButtonData("Pause task", fmt.Sprintf("task_pause:%d", taskID)),
		tgbotapi.NewInlineKeyboardButtonData("Stop task", fmt.Sprintf("task_stop:%d", taskID)),
	}
	if len(fav) <= maxCallbackData {
		bottom = append(bottom, tgbotapi.NewInlineKeyboardButtonData("Favorite", fav))
	}

	rows := [][]tgbotapi.InlineKeyboardButton{bottom}
	if len(top) > 0 {
		rows = append([][]tgbotapi.InlineKeyboardButton{top}, rows...)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(ctx, chatID)
	case "help":
		b.handleHelp(chatID)
	case "add":
		b.handleAdd(ctx, chatID, args)
	case "list":
		b.handleList(ctx, chatID)
	case "pause":
		b.handleSetStatus(ctx, chatID, args, model.TaskPaused)
	case "resume":
		b.handleSetStatus(ctx, chatID, args, model.TaskActive)
	case "remove":
		b.handleRemove(ctx, chatID, args)
	case "clear":
		b.handleClear(ctx, chatID, args)
	case "settings":
		b.handleSettings(ctx, chatID)
	case "proxy":
		b.handleProxy(ctx, chatID, args)
	case "ipurl":
		b.handleIPURL(ctx, chatID, args)
	case "monitor":
		b.handleMonitor(ctx, chatID, args)
	case "whitelist":
		b.handleWordList(ctx, chatID, args, true)
	case "blacklist":
		b.handleWordList(ctx, chatID, args, false)
	case "quiet":
		b.handleQuiet(ctx, chatID, args)
	case "timezone":
		b.handleTimezone(ctx, chatID, args)
	case "limit":
		b.handleLimit(ctx, chatID, args)
	case "events":
		b.handleEvents(ctx, chatID, args)
	case "favorites":
		b.handleFavorites(ctx, chatID)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
