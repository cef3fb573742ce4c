package bot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"market_radar/internal/fetcher"
	"market_radar/internal/model"
	"market_radar/internal/storage"
)

func (b *Bot) handleStart(ctx context.Context, chatID int64) {
	if _, err := b.store.EnsureUser(ctx, chatID, b.cfg.DefaultTimezone); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, `Welcome to Market Radar!

Watch marketplace searches and get notified about new listings and price drops.

Quick start:
1. /proxy <host:port:user:pass> and /ipurl <url> to set up access
2. /add <search url> to start watching a search
3. /list to see your tasks

The first check of a task is silent: it only remembers what is already listed.
Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Tasks:
/add <search url> - watch a search
/list - show your tasks
/pause <id> - pause a task
/resume <id> - resume a task
/remove <id> - delete a task
/clear <id> - forget seen listings (next check is silent again)

Access:
/proxy <value>|off - proxy for marketplace requests
/ipurl <url>|off - IP rotation endpoint
/monitor on|off - enable or disable all checks

Notifications:
/settings - show your settings
/quiet <HH:MM> <HH:MM>|off - quiet hours
/timezone <Area/City> - your timezone
/limit <n>|off - max notifications per hour
/events <new|drop|update> <on|off> - what to notify about
/whitelist <a, b>|off - require one of these words
/blacklist <a, b>|off - skip listings with these words
/favorites - saved listings`)
}

func (b *Bot) handleAdd(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /add <search url>")
		return
	}

	t, err := ParseSearchURL(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	if _, err := b.store.EnsureUser(ctx, chatID, b.cfg.DefaultTimezone); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	t.UserID = chatID
	t.IntervalSec = b.cfg.DefaultTaskIntervalSec
	t.Status = model.TaskActive
	if err := b.store.CreateTask(ctx, &t); err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to save task: %v", err))
		return
	}

	b.log.Info("task created", "task_id", t.ID, "user_id", chatID)
	b.reply(chatID, fmt.Sprintf("Task added!\n#%d %s (every %s)\n%s\nThe first check only records current listings.",
		t.ID, t.Name, intervalLabel(t.IntervalSec), criteriaOrURL(t)))
}

func criteriaOrURL(t model.Task) string {
	if c := criteriaLabel(t); c != "" {
		return c
	}
	return t.SearchURL
}

func (b *Bot) handleList(ctx context.Context, chatID int64) {
	tasks, err := b.store.ListTasks(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	msg := tgbotapi.NewMessage(chatID, FormatTaskList(tasks))
	msg.DisableWebPagePreview = true
	if len(tasks) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(tasks))
		for _, t := range tasks {
			toggle := tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Pause #%d", t.ID), fmt.Sprintf("task_pause:%d", t.ID))
			if t.Status != model.TaskActive {
				toggle = tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Resume #%d", t.ID), fmt.Sprintf("task_resume:%d", t.ID))
			}
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				toggle,
				tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Delete #%d", t.ID), fmt.Sprintf("delete_confirm:%d", t.ID)),
			))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send task list", "chat_id", chatID, "error", err)
	}
}

// ownedTask resolves a task ID argument, replying with an error when the task
// is missing or belongs to someone else.
func (b *Bot) ownedTask(ctx context.Context, chatID int64, args, usage string) (*model.Task, bool) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: "+usage)
		return nil, false
	}
	t, err := b.store.GetTask(ctx, id)
	if err != nil || t.UserID != chatID {
		b.reply(chatID, fmt.Sprintf("Task #%d not found.", id))
		return nil, false
	}
	return t, true
}

func (b *Bot) handleSetStatus(ctx context.Context, chatID int64, args string, status model.TaskStatus) {
	usage := "/pause <id>"
	if status == model.TaskActive {
		usage = "/resume <id>"
	}
	t, ok := b.ownedTask(ctx, chatID, args, usage)
	if !ok {
		return
	}
	b.setStatus(ctx, chatID, t, status)
}

func (b *Bot) setStatus(ctx context.Context, chatID int64, t *model.Task, status model.TaskStatus) {
	if err := b.store.SetTaskStatus(ctx, t.ID, status); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	var verb string
	switch status {
	case model.TaskActive:
		verb = "resumed"
	case model.TaskPaused:
		verb = "paused"
	default:
		verb = "stopped"
	}
	b.log.Info("task status changed", "task_id", t.ID, "status", status)
	b.reply(chatID, fmt.Sprintf("Task #%d \"%s\" %s.", t.ID, t.Name, verb))
}

func (b *Bot) handleRemove(ctx context.Context, chatID int64, args string) {
	t, ok := b.ownedTask(ctx, chatID, args, "/remove <id>")
	if !ok {
		return
	}
	if err := b.store.DeleteTask(ctx, t.ID); err != nil {
		b.reply(chatID, fmt.Sprintf("Error deleting task: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Task #%d \"%s\" deleted.", t.ID, t.Name))
}

func (b *Bot) handleClear(ctx context.Context, chatID int64, args string) {
	t, ok := b.ownedTask(ctx, chatID, args, "/clear <id>")
	if !ok {
		return
	}
	if err := b.store.ClearSeen(ctx, t.ID); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("History of task #%d \"%s\" cleared.", t.ID, t.Name))
}

// settings returns the stored settings, or defaults seeded from the operator
// rules for a user who has none yet.
func (b *Bot) settings(ctx context.Context, userID int64) (*model.Settings, error) {
	st, err := b.store.GetSettings(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return &model.Settings{
			UserID:          userID,
			MaxAgeMinutes:   b.cfg.Match.MaxAgeMinutes,
			IgnoreReserved:  b.cfg.Match.IgnoreReserved,
			IgnorePromotion: b.cfg.Match.IgnorePromotion,
			MonitorEnabled:  true,
		}, nil
	}
	return st, err
}

func (b *Bot) updateSettings(ctx context.Context, chatID int64, apply func(*model.Settings), done string) {
	st, err := b.settings(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	apply(st)
	if err := b.store.SaveSettings(ctx, st); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, done)
}

func (b *Bot) user(ctx context.Context, chatID int64) (*model.User, error) {
	return b.store.EnsureUser(ctx, chatID, b.cfg.DefaultTimezone)
}

func (b *Bot) updateUser(ctx context.Context, chatID int64, apply func(*model.User), done string) {
	u, err := b.user(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	apply(u)
	if err := b.store.UpdateUser(ctx, u); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, done)
}

func (b *Bot) handleSettings(ctx context.Context, chatID int64) {
	u, err := b.user(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	st, err := b.settings(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatSettings(u, st))
}

func (b *Bot) handleProxy(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /proxy <host:port:user:pass> or /proxy off")
		return
	}
	if strings.EqualFold(args, "off") {
		b.updateSettings(ctx, chatID, func(st *model.Settings) { st.SetProxy("") }, "Proxy removed.")
		return
	}
	if _, err := fetcher.ParseProxy(args); err != nil {
		b.reply(chatID, fmt.Sprintf("Invalid proxy: %v", err))
		return
	}
	b.updateSettings(ctx, chatID, func(st *model.Settings) { st.SetProxy(args) }, "Proxy saved.")
}

func (b *Bot) handleIPURL(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /ipurl <url> or /ipurl off")
		return
	}
	if strings.EqualFold(args, "off") {
		b.updateSettings(ctx, chatID, func(st *model.Settings) { st.SetChangeIPURL("") }, "IP rotation URL removed.")
		return
	}
	u, err := url.ParseRequestURI(args)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		b.reply(chatID, "Invalid URL: use http:// or https://")
		return
	}
	b.updateSettings(ctx, chatID, func(st *model.Settings) { st.SetChangeIPURL(args) }, "IP rotation URL saved.")
}

func (b *Bot) handleMonitor(ctx context.Context, chatID int64, args string) {
	on, err := ParseToggle(args)
	if err != nil {
		b.reply(chatID, "Usage: /monitor on|off")
		return
	}
	b.updateSettings(ctx, chatID, func(st *model.Settings) { st.MonitorEnabled = on }, "Monitoring "+onOff(on)+".")
}

func (b *Bot) handleWordList(ctx context.Context, chatID int64, args string, white bool) {
	name := "Blacklist"
	if white {
		name = "Whitelist"
	}
	if args == "" {
		b.reply(chatID, fmt.Sprintf("Usage: /%s <word, phrase> or off", strings.ToLower(name)))
		return
	}
	words := ParseWordList(args)
	done := name + " cleared."
	if len(words) > 0 {
		done = fmt.Sprintf("%s: %s", name, strings.Join(words, ", "))
	}
	b.updateSettings(ctx, chatID, func(st *model.Settings) {
		if white {
			st.Whitelist = words
		} else {
			st.Blacklist = words
		}
	}, done)
}

func (b *Bot) handleQuiet(ctx context.Context, chatID int64, args string) {
	start, end, err := ParseQuietArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	done := "Quiet hours disabled."
	if start != "" {
		done = fmt.Sprintf("Quiet hours set: %s–%s.", start, end)
	}
	b.updateUser(ctx, chatID, func(u *model.User) {
		u.QuietStart, u.QuietEnd = start, end
	}, done)
}

func (b *Bot) handleTimezone(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /timezone <Area/City>, e.g. /timezone Europe/Moscow")
		return
	}
	if _, err := time.LoadLocation(args); err != nil {
		b.reply(chatID, fmt.Sprintf("Unknown timezone %q.", args))
		return
	}
	b.updateUser(ctx, chatID, func(u *model.User) { u.Timezone = args }, "Timezone set to "+args+".")
}

func (b *Bot) handleLimit(ctx context.Context, chatID int64, args string) {
	n, err := ParseLimitArg(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	done := "Hourly limit disabled."
	if n > 0 {
		done = fmt.Sprintf("Hourly limit set to %d.", n)
	}
	b.updateUser(ctx, chatID, func(u *model.User) { u.NotifyLimitPerHour = n }, done)
}

func (b *Bot) handleEvents(ctx context.Context, chatID int64, args string) {
	kind, on, err := ParseEventsArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	b.updateUser(ctx, chatID, func(u *model.User) {
		switch kind {
		case model.NotifyKindNew:
			u.NotifyNew = on
		case model.NotifyKindPriceDrop:
			u.NotifyPriceDrop = on
		case model.NotifyKindUpdated:
			u.NotifyUpdate = on
		}
	}, fmt.Sprintf("Notifications for %s: %s.", kind, onOff(on)))
}

func (b *Bot) handleFavorites(ctx context.Context, chatID int64) {
	favs, err := b.store.ListFavorites(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	msg := tgbotapi.NewMessage(chatID, FormatFavorites(favs))
	msg.DisableWebPagePreview = true
	if len(favs) > 0 {
		var rows [][]tgbotapi.InlineKeyboardButton
		for _, f := range favs {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Remove ★%d", f.ID), fmt.Sprintf("unfav:%d", f.ID)),
			))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send favorites", "chat_id", chatID, "error", err)
	}
}
