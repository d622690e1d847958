package tgbot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"mega_coin/internal/achievements"
	"mega_coin/internal/energy"
	"mega_coin/internal/leaderboard"
	"mega_coin/internal/mining"
	"mega_coin/internal/moderation"
	"mega_coin/internal/referral"
	"mega_coin/internal/settings"
	"mega_coin/internal/store"
	"mega_coin/internal/tasks"
)

// Bot is a thin command adapter over the economy engines. It holds no
// economic state of its own; every command maps onto one engine call.
type Bot struct {
	API *tgbotapi.BotAPI

	Store        store.Store
	Settings     *settings.Provider
	Miner        *mining.Processor
	Referrals    *referral.Engine
	Achievements *achievements.Engine
	Tasks        *tasks.Engine
	Gate         *moderation.Gate
	Board        *leaderboard.Board

	BroadcastPerSec int
	TopK            int
	StoreTimeout    time.Duration
}

func New(token string, b Bot) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = false
	b.API = api
	if b.BroadcastPerSec <= 0 {
		b.BroadcastPerSec = 16
	}
	if b.TopK <= 0 {
		b.TopK = 10
	}
	return &b, nil
}

func (b *Bot) StartPolling(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.API.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case upd := <-updates:
				b.handleUpdate(ctx, upd)
			}
		}
	}()
}

func (b *Bot) handleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message != nil {
		b.handleMessage(ctx, upd.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || !msg.IsCommand() {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	// every command is one bounded batch of store calls; runCtx stays
	// unbounded for work that outlives the command (broadcast)
	runCtx := ctx
	if b.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.StoreTimeout)
		defer cancel()
	}

	switch msg.Command() {
	case "start":
		b.onStart(ctx, msg, parseRef(args))
	case "mine":
		b.onMine(ctx, chatID, userID)
	case "balance", "profile":
		b.onProfile(ctx, chatID, userID)
	case "energy":
		b.onEnergy(ctx, chatID, userID)
	case "referral":
		b.onReferral(ctx, chatID, userID)
	case "leaderboard":
		b.onLeaderboard(chatID)
	case "achievements":
		b.onAchievements(ctx, chatID, userID)
	case "tasks":
		b.onTasks(ctx, chatID, userID)
	case "task":
		b.onCompleteTask(ctx, chatID, userID, args)

	case "admin_stats":
		b.onAdminStats(ctx, chatID, userID)
	case "monitor":
		b.onMonitor(ctx, chatID, userID)
	case "suspend":
		b.onSuspend(ctx, chatID, userID, args, true)
	case "unsuspend":
		b.onSuspend(ctx, chatID, userID, args, false)
	case "config_get":
		b.onConfigGet(ctx, chatID, userID)
	case "config_set":
		b.onConfigSet(ctx, chatID, userID, args)
	case "add_admin":
		b.onSetRole(ctx, chatID, userID, args, store.RoleAdmin)
	case "add_mod":
		b.onSetRole(ctx, chatID, userID, args, store.RoleModerator)
	case "remove_admin":
		b.onSetRole(ctx, chatID, userID, args, store.RoleNone)
	case "set_plan":
		b.onSetPlan(ctx, chatID, userID, args)
	case "add_task":
		b.onAddTask(ctx, chatID, userID, args)
	case "remove_task":
		b.onRemoveTask(ctx, chatID, userID, args)
	case "task_stats":
		b.onTaskStats(ctx, chatID, userID)
	case "broadcast":
		b.onBroadcast(runCtx, ctx, chatID, userID, args)
	}
}

func parseRef(payload string) int64 {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return 0
	}
	payload = strings.TrimPrefix(payload, "ref_")
	id, _ := strconv.ParseInt(payload, 10, 64)
	if id <= 0 {
		return 0
	}
	return id
}

func (b *Bot) onStart(ctx context.Context, msg *tgbotapi.Message, refID int64) {
	from := msg.From
	acct, created, err := b.Referrals.Register(ctx, from.ID, from.UserName, from.FirstName, refID, time.Now())
	if errors.Is(err, referral.ErrInvalidReferral) {
		// retry as an organic signup, the invite link was bad
		acct, created, err = b.Referrals.Register(ctx, from.ID, from.UserName, from.FirstName, 0, time.Now())
	}
	if err != nil {
		log.Printf("tgbot: start %d: %v", from.ID, err)
		b.send(msg.Chat.ID, "Something went wrong, try again later.")
		return
	}
	if created && acct.ReferrerID != 0 {
		b.send(msg.Chat.ID, fmt.Sprintf("Welcome! You joined via an invite and start with %d $MEGA.", acct.Balance))
		return
	}
	if created {
		b.send(msg.Chat.ID, "Welcome to $MEGA! Use /mine to start earning.")
		return
	}
	b.send(msg.Chat.ID, "Welcome back! Use /mine to keep your streak going.")
}

func (b *Bot) onMine(ctx context.Context, chatID, userID int64) {
	res, err := b.Miner.Mine(ctx, userID, time.Now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		b.send(chatID, "Use /start first.")
		return
	case errors.Is(err, mining.ErrSuspended):
		b.send(chatID, "Your account is suspended. Contact a moderator.")
		return
	case errors.Is(err, mining.ErrCooldown):
		b.send(chatID, "Too soon. Next mine at "+res.RetryAt.UTC().Format("15:04 MST, Jan 2")+".")
		return
	case errors.Is(err, energy.ErrExhausted):
		b.send(chatID, "Out of energy. Refills at "+res.EnergyResetAt.UTC().Format("15:04 MST, Jan 2")+".")
		return
	case err != nil:
		log.Printf("tgbot: mine %d: %v", userID, err)
		b.send(chatID, "Mining failed, try again later.")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "⛏ +%d $MEGA (base %d", res.Reward.Total, res.Reward.Base)
	if res.Reward.StreakBonus > 0 {
		fmt.Fprintf(&sb, ", streak +%d", res.Reward.StreakBonus)
	}
	if res.Reward.LevelBonus > 0 {
		fmt.Fprintf(&sb, ", level +%d", res.Reward.LevelBonus)
	}
	if res.Reward.AchievementBonus > 0 {
		fmt.Fprintf(&sb, ", perks +%d", res.Reward.AchievementBonus)
	}
	if res.Reward.LuckyBonus > 0 {
		fmt.Fprintf(&sb, ", lucky +%d", res.Reward.LuckyBonus)
	}
	if res.Reward.WeeklyBonus > 0 {
		fmt.Fprintf(&sb, ", weekly streak +%d", res.Reward.WeeklyBonus)
	}
	fmt.Fprintf(&sb, ")\nBalance: %d | Streak: %d days", res.Account.Balance, res.Account.Streak)
	for _, rule := range res.Unlocked {
		fmt.Fprintf(&sb, "\n🏆 Achievement unlocked: %s (+%d)", rule.Name, rule.Reward)
	}
	b.send(chatID, sb.String())
}

func (b *Bot) onProfile(ctx context.Context, chatID, userID int64) {
	acct, err := b.Store.Get(ctx, userID)
	if err != nil {
		b.send(chatID, "Use /start first.")
		return
	}
	s := b.Settings.Snapshot()
	level := int64(0)
	if s.LevelThreshold > 0 {
		level = acct.TotalMined / s.LevelThreshold
	}
	rank := b.Board.Rank(userID)
	text := fmt.Sprintf(
		"👤 %s\nBalance: %d $MEGA\nLevel: %d (mined %d)\nStreak: %d days (best %d)\nMines: %d\nReferrals: %d",
		displayName(acct), acct.Balance, level, acct.TotalMined,
		acct.Streak, acct.HighestStreak, acct.MiningCount, acct.ReferralCount)
	if rank > 0 {
		text += fmt.Sprintf("\nLeaderboard rank: #%d", rank)
	}
	b.send(chatID, text)
}

func displayName(a store.Account) string {
	if a.Username != "" {
		return "@" + a.Username
	}
	if a.FirstName != "" {
		return a.FirstName
	}
	return strconv.FormatInt(a.ID, 10)
}

func (b *Bot) onEnergy(ctx context.Context, chatID, userID int64) {
	acct, err := b.Store.Get(ctx, userID)
	if err != nil {
		b.send(chatID, "Use /start first.")
		return
	}
	s := b.Settings.Snapshot()
	plan := s.Plan(acct.PlanID)
	now := time.Now()
	avail := energy.Available(plan, acct, now, s.DayZone)
	text := fmt.Sprintf("🔋 %s plan: %d / %d energy", plan.Name, avail, plan.Capacity)
	if avail < plan.Capacity {
		text += "\nFull again at " + energy.ResetAt(plan, acct, now, s.DayZone).UTC().Format("15:04 MST, Jan 2")
	}
	b.send(chatID, text)
}

func (b *Bot) onReferral(ctx context.Context, chatID, userID int64) {
	acct, err := b.Store.Get(ctx, userID)
	if err != nil {
		b.send(chatID, "Use /start first.")
		return
	}
	s := b.Settings.Snapshot()
	link := fmt.Sprintf("https://t.me/%s?start=ref_%d", b.API.Self.UserName, userID)
	b.send(chatID, fmt.Sprintf(
		"👥 Invited: %d\nEach friend earns you %d $MEGA after their first mine.\nYour link: %s",
		acct.ReferralCount, s.ReferralReward, link))
}

func (b *Bot) onLeaderboard(chatID int64) {
	top := b.Board.Top(b.TopK)
	if len(top) == 0 {
		b.send(chatID, "Nobody has mined yet.")
		return
	}
	var sb strings.Builder
	sb.WriteString("🏆 Top miners:\n")
	for i, e := range top {
		name := e.Username
		if name == "" {
			name = strconv.FormatInt(e.ID, 10)
		}
		fmt.Fprintf(&sb, "%d. %s — %d\n", i+1, name, e.Balance)
	}
	b.send(chatID, sb.String())
}

func (b *Bot) onAchievements(ctx context.Context, chatID, userID int64) {
	acct, err := b.Store.Get(ctx, userID)
	if err != nil {
		b.send(chatID, "Use /start first.")
		return
	}
	var sb strings.Builder
	sb.WriteString("🏅 Achievements:\n")
	for _, rule := range b.Achievements.Rules() {
		mark := "▫️"
		if acct.HasAchievement(rule.ID) {
			mark = "✅"
		}
		fmt.Fprintf(&sb, "%s %s — %s (+%d)\n", mark, rule.Name, rule.Desc, rule.Reward)
	}
	b.send(chatID, sb.String())
}

func (b *Bot) onTasks(ctx context.Context, chatID, userID int64) {
	acct, err := b.Store.Get(ctx, userID)
	if err != nil {
		b.send(chatID, "Use /start first.")
		return
	}
	list, err := b.Tasks.Catalog().List(ctx, true)
	if err != nil {
		log.Printf("tgbot: tasks list: %v", err)
		b.send(chatID, "Tasks are unavailable right now.")
		return
	}
	if len(list) == 0 {
		b.send(chatID, "No tasks right now, check back later.")
		return
	}
	var sb strings.Builder
	sb.WriteString("📋 Tasks (complete with /task <id>):\n")
	for _, t := range list {
		mark := " "
		if acct.HasCompletedTask(t.ID) {
			mark = "✅ "
		}
		fmt.Fprintf(&sb, "%s#%d %s — %d $MEGA", mark, t.ID, t.Title, t.Reward)
		if t.Link != "" {
			sb.WriteString(" " + t.Link)
		}
		sb.WriteString("\n")
	}
	b.send(chatID, sb.String())
}

func (b *Bot) onCompleteTask(ctx context.Context, chatID, userID int64, args string) {
	taskID, err := strconv.ParseInt(args, 10, 64)
	if err != nil || taskID <= 0 {
		b.send(chatID, "Usage: /task <id>")
		return
	}
	t, err := b.Tasks.Complete(ctx, userID, taskID)
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		b.send(chatID, "No such task.")
	case errors.Is(err, tasks.ErrAlreadyCompleted):
		b.send(chatID, "Already completed.")
	case errors.Is(err, store.ErrNotFound):
		b.send(chatID, "Use /start first.")
	case err != nil:
		log.Printf("tgbot: task %d by %d: %v", taskID, userID, err)
		b.send(chatID, "Could not complete the task, try again later.")
	default:
		b.send(chatID, fmt.Sprintf("✅ %s done, +%d $MEGA.", t.Title, t.Reward))
	}
}

func (b *Bot) onAdminStats(ctx context.Context, chatID, userID int64) {
	stats, err := b.Gate.Stats(ctx, userID, time.Now())
	if err != nil {
		b.sendGateError(chatID, err)
		return
	}
	b.send(chatID, fmt.Sprintf(
		"📊 Accounts: %d\nActive 24h: %d\nSuspended: %d\nFlagged: %d\nTotal balance: %d\nTotal mined: %d\nReferrals: %d",
		stats.TotalAccounts, stats.ActiveLastDay, stats.Suspended, stats.Flagged,
		stats.TotalBalance, stats.TotalMined, stats.TotalReferrals))
}

func (b *Bot) onMonitor(ctx context.Context, chatID, userID int64) {
	flagged, err := b.Gate.Flagged(ctx, userID)
	if err != nil {
		b.sendGateError(chatID, err)
		return
	}
	if len(flagged) == 0 {
		b.send(chatID, "No flagged accounts.")
		return
	}
	var sb strings.Builder
	sb.WriteString("🚨 Flagged accounts:\n")
	for _, f := range flagged {
		fmt.Fprintf(&sb, "%d — last flagged %s\n", f.ID, f.At.UTC().Format(time.RFC3339))
	}
	b.send(chatID, sb.String())
}

func (b *Bot) onSuspend(ctx context.Context, chatID, userID int64, args string, suspended bool) {
	target, err := strconv.ParseInt(args, 10, 64)
	if err != nil || target <= 0 {
		b.send(chatID, "Usage: /suspend <user_id>")
		return
	}
	if _, err := b.Gate.Suspend(ctx, userID, target, suspended); err != nil {
		b.sendGateError(chatID, err)
		return
	}
	if suspended {
		b.send(chatID, fmt.Sprintf("User %d suspended.", target))
	} else {
		b.send(chatID, fmt.Sprintf("User %d unsuspended.", target))
	}
}

func (b *Bot) onConfigGet(ctx context.Context, chatID, userID int64) {
	params, err := b.Gate.Params(ctx, userID)
	if err != nil {
		b.sendGateError(chatID, err)
		return
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString("⚙️ Parameters:\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s = %s\n", k, params[k])
	}
	b.send(chatID, sb.String())
}

func (b *Bot) onConfigSet(ctx context.Context, chatID, userID int64, args string) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		b.send(chatID, "Usage: /config_set <name> <value>")
		return
	}
	if err := b.Gate.SetParam(ctx, userID, parts[0], parts[1]); err != nil {
		b.sendGateError(chatID, err)
		return
	}
	b.send(chatID, fmt.Sprintf("%s set to %s.", parts[0], parts[1]))
}

func (b *Bot) onSetRole(ctx context.Context, chatID, userID int64, args string, role store.Role) {
	target, err := strconv.ParseInt(args, 10, 64)
	if err != nil || target <= 0 {
		b.send(chatID, "Usage: /add_admin <user_id>")
		return
	}
	if _, err := b.Gate.SetRole(ctx, userID, target, role); err != nil {
		b.sendGateError(chatID, err)
		return
	}
	if role == store.RoleNone {
		b.send(chatID, fmt.Sprintf("User %d demoted.", target))
	} else {
		b.send(chatID, fmt.Sprintf("User %d is now %s.", target, role))
	}
}

// /set_plan <user_id> <plan>
func (b *Bot) onSetPlan(ctx context.Context, chatID, userID int64, args string) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		b.send(chatID, "Usage: /set_plan <user_id> <plan>")
		return
	}
	target, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || target <= 0 {
		b.send(chatID, "Usage: /set_plan <user_id> <plan>")
		return
	}
	acct, err := b.Gate.SetPlan(ctx, userID, target, parts[1])
	if err != nil {
		if errors.Is(err, moderation.ErrUnknownPlan) {
			b.send(chatID, "No such plan.")
			return
		}
		b.sendGateError(chatID, err)
		return
	}
	plan := b.Settings.Snapshot().Plan(acct.PlanID)
	b.send(chatID, fmt.Sprintf("User %d moved to the %s plan.", target, plan.Name))
}

// /add_task Title | description | link | reward
func (b *Bot) onAddTask(ctx context.Context, chatID, userID int64, args string) {
	if err := b.Gate.Allowed(ctx, userID, moderation.ActionManageTasks); err != nil {
		b.sendGateError(chatID, err)
		return
	}
	parts := strings.Split(args, "|")
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		b.send(chatID, "Usage: /add_task <title> | <description> | <link> | <reward>")
		return
	}
	t := tasks.Task{
		Title:     strings.TrimSpace(parts[0]),
		Reward:    b.Settings.Snapshot().TaskDefaultReward,
		CreatedAt: time.Now(),
	}
	if len(parts) > 1 {
		t.Description = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		t.Link = strings.TrimSpace(parts[2])
	}
	if len(parts) > 3 {
		if n, err := strconv.ParseInt(strings.TrimSpace(parts[3]), 10, 64); err == nil && n > 0 {
			t.Reward = n
		}
	}
	created, err := b.Tasks.Catalog().Add(ctx, t)
	if err != nil {
		log.Printf("tgbot: add task: %v", err)
		b.send(chatID, "Could not add the task.")
		return
	}
	b.send(chatID, fmt.Sprintf("Task #%d added, reward %d.", created.ID, created.Reward))
}

func (b *Bot) onRemoveTask(ctx context.Context, chatID, userID int64, args string) {
	if err := b.Gate.Allowed(ctx, userID, moderation.ActionManageTasks); err != nil {
		b.sendGateError(chatID, err)
		return
	}
	taskID, err := strconv.ParseInt(args, 10, 64)
	if err != nil || taskID <= 0 {
		b.send(chatID, "Usage: /remove_task <id>")
		return
	}
	if err := b.Tasks.Catalog().Remove(ctx, taskID); err != nil {
		b.send(chatID, "No such task.")
		return
	}
	b.send(chatID, fmt.Sprintf("Task #%d removed.", taskID))
}

func (b *Bot) onTaskStats(ctx context.Context, chatID, userID int64) {
	if err := b.Gate.Allowed(ctx, userID, moderation.ActionManageTasks); err != nil {
		b.sendGateError(chatID, err)
		return
	}
	stats, err := b.Tasks.Stats(ctx)
	if err != nil {
		log.Printf("tgbot: task stats: %v", err)
		b.send(chatID, "Stats are unavailable right now.")
		return
	}
	if len(stats) == 0 {
		b.send(chatID, "No tasks yet.")
		return
	}
	var sb strings.Builder
	sb.WriteString("📈 Task completions:\n")
	for _, s := range stats {
		fmt.Fprintf(&sb, "#%d %s — %d done, %d paid\n",
			s.Task.ID, s.Task.Title, s.Completions, s.Completions*s.Task.Reward)
	}
	b.send(chatID, sb.String())
}

// /broadcast <all|active|inactive|whales|new> <text>
// The audience lookup runs under the bounded ctx; the send loop gets runCtx
// so it survives the command deadline and stops with the bot.
func (b *Bot) onBroadcast(runCtx, ctx context.Context, chatID, userID int64, args string) {
	parts := strings.SplitN(args, " ", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		b.send(chatID, "Usage: /broadcast <all|active|inactive|whales|new> <text>")
		return
	}
	kind := moderation.AudienceKind(strings.ToLower(strings.TrimSpace(parts[0])))
	text := strings.TrimSpace(parts[1])

	ids, err := b.Gate.Audience(ctx, userID, kind, time.Now())
	if err != nil {
		b.sendGateError(chatID, err)
		return
	}
	b.send(chatID, fmt.Sprintf("Broadcasting to %d users...", len(ids)))
	go b.broadcast(runCtx, chatID, ids, text)
}

func (b *Bot) broadcast(ctx context.Context, adminChatID int64, ids []int64, text string) {
	interval := time.Second / time.Duration(b.BroadcastPerSec)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var okCount, failCount int
	for _, id := range ids {
		select {
		case <-ctx.Done():
			b.send(adminChatID, fmt.Sprintf("Broadcast stopped. OK=%d FAIL=%d", okCount, failCount))
			return
		case <-ticker.C:
		}
		if err := b.send(id, text); err != nil {
			failCount++
			log.Printf("broadcast to %d failed: %v", id, err)
			continue
		}
		okCount++
	}
	b.send(adminChatID, fmt.Sprintf("Broadcast done. OK=%d FAIL=%d", okCount, failCount))
}

func (b *Bot) sendGateError(chatID int64, err error) {
	if errors.Is(err, moderation.ErrForbidden) {
		b.send(chatID, "You are not allowed to do that.")
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		b.send(chatID, "User not found.")
		return
	}
	log.Printf("tgbot: moderation: %v", err)
	b.send(chatID, "Something went wrong, try again later.")
}

func (b *Bot) send(chatID int64, text string) error {
	params := tgbotapi.Params{
		"chat_id": strconv.FormatInt(chatID, 10),
		"text":    text,
	}
	_, err := b.API.MakeRequest("sendMessage", params)
	return err
}
