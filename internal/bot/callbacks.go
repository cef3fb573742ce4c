package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"market_radar/internal/model"
	"market_radar/internal/storage"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	action, rest, ok := strings.Cut(cb.Data, ":")
	if !ok || action == "noop" {
		return
	}

	b.log.Info("callback",
		"action", action,
		"data", rest,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch action {
	case "seen", "fav":
		taskStr, listingID, ok := strings.Cut(rest, ":")
		taskID, err := strconv.ParseInt(taskStr, 10, 64)
		if !ok || err != nil || listingID == "" {
			return
		}
		if action == "seen" {
			b.handleMute(ctx, chatID, taskID, listingID)
		} else {
			b.handleFavorite(ctx, chatID, taskID, listingID)
		}
		return
	}

	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return
	}

	switch action {
	case "task_pause", "task_resume", "task_stop":
		t, ok := b.ownedTask(ctx, chatID, rest, "/pause <id>")
		if !ok {
			return
		}
		status := model.TaskPaused
		if action == "task_resume" {
			status = model.TaskActive
		} else if action == "task_stop" {
			status = model.TaskStopped
		}
		b.setStatus(ctx, chatID, t, status)
	case "delete_confirm":
		t, err := b.store.GetTask(ctx, id)
		if err != nil || t.UserID != chatID {
			b.reply(chatID, fmt.Sprintf("Task #%d not found.", id))
			return
		}
		msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Delete #%d \"%s\"? This cannot be undone.", id, t.Name))
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Yes, delete", fmt.Sprintf("delete:%d", id)),
				tgbotapi.NewInlineKeyboardButtonData("Cancel", "noop:0"),
			),
		)
		if _, err := b.api.Send(msg); err != nil {
			b.log.Error("send delete confirmation", "error", err)
		}
	case "delete":
		b.handleRemove(ctx, chatID, rest)
	case "unfav":
		if err := b.store.DeleteFavorite(ctx, chatID, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				b.reply(chatID, fmt.Sprintf("Favorite ★%d not found.", id))
				return
			}
			b.reply(chatID, fmt.Sprintf("Error: %v", err))
			return
		}
		b.reply(chatID, fmt.Sprintf("Favorite ★%d removed.", id))
	}
}

// handleMute stops all further notifications about a listing within a task.
func (b *Bot) handleMute(ctx context.Context, chatID, taskID int64, listingID string) {
	t, err := b.store.GetTask(ctx, taskID)
	if err != nil || t.UserID != chatID {
		b.reply(chatID, fmt.Sprintf("Task #%d not found.", taskID))
		return
	}
	if err := b.store.MuteSeen(ctx, taskID, listingID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.reply(chatID, "Listing is no longer tracked.")
			return
		}
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, "Marked as seen. No more alerts for this listing.")
}

// handleFavorite saves a listing from the task's last observation of it.
func (b *Bot) handleFavorite(ctx context.Context, chatID, taskID int64, listingID string) {
	t, err := b.store.GetTask(ctx, taskID)
	if err != nil || t.UserID != chatID {
		b.reply(chatID, fmt.Sprintf("Task #%d not found.", taskID))
		return
	}
	seen, err := b.store.GetSeen(ctx, taskID, listingID)
	if err != nil {
		b.reply(chatID, "Listing is no longer tracked.")
		return
	}
	fav := &model.Favorite{
		UserID:    chatID,
		TaskID:    taskID,
		ListingID: listingID,
		Title:     seen.LastTitle,
		URL:       seen.LastURL,
		Price:     seen.LastPrice,
		Location:  seen.LastLocation,
	}
	if err := b.store.AddFavorite(ctx, fav); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if fav.ID == 0 {
		b.reply(chatID, "Already in favorites.")
		return
	}
	b.reply(chatID, fmt.Sprintf("Saved to favorites as ★%d.", fav.ID))
}
