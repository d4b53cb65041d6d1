package telegram

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/user/crowdwatch/internal/agents"
	"github.com/user/crowdwatch/internal/runtime"
	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/types"
)

const maxTelegramMessage = 4096

// Prefix is the session-key prefix delivery routes to this adapter.
const Prefix = "telegram:"

// sender is the slice of the bot API the adapter sends through.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Adapter bridges Telegram to the chat agent and delivers outcomes to chats.
type Adapter struct {
	bot    *tgbotapi.BotAPI
	sender sender
	chat   *runtime.Runtime
	domain *state.Domain
	logger *zap.Logger
}

// New creates a Telegram adapter answering through the chat runtime.
func New(token string, chat *runtime.Runtime, domain *state.Domain, logger *zap.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, chat, domain, logger)
	a.bot = bot
	return a, nil
}

func newAdapter(s sender, chat *runtime.Runtime, domain *state.Domain, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		sender: s,
		chat:   chat,
		domain: domain,
		logger: logger.With(zap.String("component", "telegram")),
	}
}

// Start long-polls for Telegram updates until ctx is done.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)
	a.logger.Info("telegram polling", zap.String("bot", a.bot.Self.UserName))

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	chatID := msg.Chat.ID
	session := types.SessionID(buildSessionKey(msg.From.ID, chatID))
	resp, err := agents.Ask(ctx, a.chat, session, msg.Text)
	if err != nil {
		a.logger.Error("chat failed", zap.Int64("chat_id", chatID), zap.Error(err))
		_ = a.sendResponse(chatID, "Sorry, I encountered an error processing your message.")
		return
	}
	_ = a.sendResponse(chatID, resp.Response)
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		_ = a.sendResponse(chatID, "Hello! I'm the crowd safety assistant. Ask me about incidents, zones or responders.")

	case "status":
		st, err := a.domain.IncidentStats(ctx)
		if err != nil {
			a.logger.Error("stats failed", zap.Error(err))
			_ = a.sendResponse(chatID, "Error fetching status.")
			return
		}
		_ = a.sendResponse(chatID, formatStats(st))

	case "incidents":
		list, err := a.domain.ListIncidents(ctx, state.IncidentFilter{Status: types.IncidentActive, Limit: 20})
		if err != nil {
			a.logger.Error("list incidents failed", zap.Error(err))
			_ = a.sendResponse(chatID, "Error fetching incidents.")
			return
		}
		_ = a.sendResponse(chatID, formatIncidents(list))

	case "reset":
		session := types.SessionID(buildSessionKey(msg.From.ID, chatID))
		if err := a.chat.ShortTerm().Clear(ctx, session); err != nil {
			a.logger.Error("reset failed", zap.Error(err))
			_ = a.sendResponse(chatID, "Error clearing the conversation.")
			return
		}
		_ = a.sendResponse(chatID, "Conversation cleared.")

	default:
		_ = a.sendResponse(chatID, "Unknown command. Available: /start, /status, /incidents, /reset")
	}
}

// Deliver sends message to the chat named by sessionKey, either
// "telegram:<chat>" or "telegram:<user>:<chat>".
func (a *Adapter) Deliver(_ context.Context, sessionKey, message string) error {
	chatID, err := chatIDFromKey(sessionKey)
	if err != nil {
		return types.Permanent(err)
	}
	return a.sendResponse(chatID, message)
}

func (a *Adapter) sendResponse(chatID int64, text string) error {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := a.sender.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.sender.Send(msg); err != nil {
				a.logger.Warn("send message failed", zap.Int64("chat_id", chatID), zap.Error(err))
				return fmt.Errorf("send to chat %d: %w", chatID, err)
			}
		}
	}
	return nil
}

func formatStats(st *state.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incidents: %d total, %d active", st.Total, st.Active)
	for _, group := range []struct {
		label  string
		counts map[string]int
	}{{"By zone", st.ByZone}, {"By priority", st.ByPriority}} {
		if len(group.counts) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:", group.label)
		for _, k := range slices.Sorted(maps.Keys(group.counts)) {
			fmt.Fprintf(&b, " %s=%d", k, group.counts[k])
		}
	}
	return b.String()
}

func formatIncidents(list []*types.Incident) string {
	if len(list) == 0 {
		return "No active incidents."
	}
	var b strings.Builder
	b.WriteString("Active incidents:")
	for _, inc := range list {
		fmt.Fprintf(&b, "\n- %s %s in %s (%s)", inc.ID, inc.Type, inc.ZoneID, inc.Priority)
	}
	return b.String()
}

// splitMessage cuts text into parts of at most maxTelegramMessage bytes,
// preferring newline boundaries and never splitting a UTF-8 sequence.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > maxTelegramMessage {
		end := maxTelegramMessage
		for end > 0 && !utf8.RuneStart(text[end]) {
			end--
		}
		if nl := strings.LastIndexByte(text[:end], '\n'); nl > maxTelegramMessage/2 {
			end = nl + 1
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

func buildSessionKey(userID, chatID int64) types.SessionKey {
	return types.NewSessionKey("telegram",
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(chatID, 10),
	)
}

func chatIDFromKey(key string) (int64, error) {
	rest, ok := strings.CutPrefix(key, Prefix)
	if !ok || rest == "" {
		return 0, fmt.Errorf("not a telegram session key: %q", key)
	}
	if i := strings.LastIndexByte(rest, ':'); i >= 0 {
		rest = rest[i+1:]
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id in %q: %w", key, err)
	}
	return id, nil
}
