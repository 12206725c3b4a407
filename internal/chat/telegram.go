package chat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramConfig configures TelegramSource.
type TelegramConfig struct {
	Token string
	// ChatID restricts messages to one chat; 0 accepts every chat.
	ChatID int64
	// TopicID restricts messages to one forum topic, identified by the id of
	// the topic's root message; 0 disables the check.
	TopicID int
	// Limit caps the number of updates per fetch (Telegram allows 1-100).
	Limit int
	// APIEndpoint overrides tgbotapi.APIEndpoint, mainly for tests.
	APIEndpoint string
	Timeout     time.Duration
}

// TelegramSource polls the Bot API getUpdates method.
type TelegramSource struct {
	cfg    TelegramConfig
	client *http.Client
	log    *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramSource builds a source. The bot is authorised lazily on the first
// fetch so an unreachable API fails a cycle instead of the process.
func NewTelegramSource(cfg TelegramConfig, logger *slog.Logger) *TelegramSource {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.Limit <= 0 || cfg.Limit > 100 {
		cfg.Limit = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramSource{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logger.With("component", "telegram"),
	}
}

func (s *TelegramSource) api() (*tgbotapi.BotAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot != nil {
		return s.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(s.cfg.Token, s.cfg.APIEndpoint, s.client)
	if err != nil {
		return nil, fmt.Errorf("authorize bot: %w", err)
	}
	s.log.Info("authorized on telegram", "username", bot.Self.UserName)
	s.bot = bot
	return bot, nil
}

type updatesResult struct {
	updates []tgbotapi.Update
	err     error
}

// Fetch returns the updates after the checkpoint, oldest first. Telegram
// forgets updates below the requested offset, so the window is acknowledged
// only by the next fetch with a higher checkpoint.
func (s *TelegramSource) Fetch(ctx context.Context, after Checkpoint) (Batch, error) {
	bot, err := s.api()
	if err != nil {
		return Batch{}, err
	}

	cfg := tgbotapi.NewUpdate(0)
	if after.UpdateID > 0 {
		cfg.Offset = int(after.UpdateID + 1)
	}
	cfg.Limit = s.cfg.Limit
	cfg.AllowedUpdates = []string{"message", "channel_post"}

	// GetUpdates has no context parameter; the http client timeout bounds the
	// goroutine if ctx is cancelled first.
	done := make(chan updatesResult, 1)
	go func() {
		updates, err := bot.GetUpdates(cfg)
		done <- updatesResult{updates: updates, err: err}
	}()

	var res updatesResult
	select {
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return Batch{}, fmt.Errorf("get updates: %w", res.err)
	}

	batch := Batch{Last: after}
	for _, u := range res.updates {
		id := int64(u.UpdateID)
		msg := u.Message
		if msg == nil {
			msg = u.ChannelPost
		}
		if id > batch.Last.UpdateID {
			batch.Last.UpdateID = id
			if msg != nil {
				batch.Last.Timestamp = msg.Time().UTC()
			}
		}
		if msg == nil || !s.accept(msg) {
			continue
		}
		batch.Messages = append(batch.Messages, convert(id, msg))
	}
	SortOldestFirst(batch.Messages)
	return batch, nil
}

func (s *TelegramSource) accept(msg *tgbotapi.Message) bool {
	if msg.Chat == nil {
		return false
	}
	if s.cfg.ChatID != 0 && msg.Chat.ID != s.cfg.ChatID {
		return false
	}
	if s.cfg.TopicID != 0 {
		if msg.ReplyToMessage == nil || msg.ReplyToMessage.MessageID != s.cfg.TopicID {
			return false
		}
	}
	return true
}

func convert(updateID int64, msg *tgbotapi.Message) Message {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	out := Message{
		UpdateID:  updateID,
		MessageID: msg.MessageID,
		ChatID:    msg.Chat.ID,
		Text:      text,
		Timestamp: msg.Time().UTC(),
		URL:       MessageLink(msg.Chat.ID, msg.Chat.UserName, msg.MessageID),
	}
	if msg.From != nil {
		out.Sender = Sender{
			ID:       msg.From.ID,
			Username: msg.From.UserName,
			Name:     strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		}
	} else if msg.SenderChat != nil {
		out.Sender = Sender{ID: msg.SenderChat.ID, Username: msg.SenderChat.UserName, Name: msg.SenderChat.Title}
	}
	return out
}

// MessageLink builds a t.me link. Public chats use their username; private
// supergroups use the id without the -100 prefix. Other chats have no link.
func MessageLink(chatID int64, username string, messageID int) string {
	if username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", username, messageID)
	}
	id := strconv.FormatInt(chatID, 10)
	if internal, ok := strings.CutPrefix(id, "-100"); ok && internal != "" {
		return fmt.Sprintf("https://t.me/c/%s/%d", internal, messageID)
	}
	return ""
}
