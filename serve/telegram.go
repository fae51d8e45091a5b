package serve

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hivehost/hivehost/chat"
)

// Telegram implements chat.Collaborator over the Telegram Bot API via long
// polling. Telegram has no ephemeral channels, so CreateChannel maps to the
// user's private chat (for private chats the chat id equals the user id) and
// DeleteChannel is a no-op. Selection menus render as inline keyboards; the
// custom id and chosen value travel in the callback data as "customID|value",
// which Telegram caps at 64 bytes.
type Telegram struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram connects to the Telegram Bot API with the given token.
func NewTelegram(token string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	bot.Debug = false
	return &Telegram{bot: bot}, nil
}

// Updates starts long polling and returns the update channel. Polling stops
// when ctx is cancelled.
func (t *Telegram) Updates(ctx context.Context) tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)
	go func() {
		<-ctx.Done()
		t.bot.StopReceivingUpdates()
	}()
	return updates
}

// Self returns the connected bot's username.
func (t *Telegram) Self() string { return t.bot.Self.UserName }

// AckCallback answers a callback query so the client stops its spinner.
func (t *Telegram) AckCallback(id string) {
	t.bot.Request(tgbotapi.NewCallback(id, ""))
}

func parseChatID(channelID string) (int64, error) {
	id, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad chat id %q: %w", channelID, err)
	}
	return id, nil
}

func (t *Telegram) SendMessage(_ context.Context, channelID, text string) (string, error) {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return "", err
	}
	sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (t *Telegram) EditMessage(_ context.Context, channelID, messageID, text string) error {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("bad message id %q: %w", messageID, err)
	}
	_, err = t.bot.Send(tgbotapi.NewEditMessageText(chatID, msgID, text))
	return err
}

func (t *Telegram) DeleteMessage(_ context.Context, channelID, messageID string) error {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("bad message id %q: %w", messageID, err)
	}
	_, err = t.bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID))
	return err
}

func (t *Telegram) SendSelect(_ context.Context, channelID, prompt, customID string, options []chat.SelectOption) (string, error) {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return "", err
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, opt := range options {
		label := opt.Label
		if opt.Description != "" {
			label = fmt.Sprintf("%s - %s", opt.Label, opt.Description)
		}
		data := customID + "|" + opt.Value
		if len(data) > 64 {
			return "", fmt.Errorf("callback data %q exceeds 64 bytes", data)
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, data),
		))
	}

	msg := tgbotapi.NewMessage(chatID, prompt)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	sent, err := t.bot.Send(msg)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (t *Telegram) SendFile(_ context.Context, channelID, path string) error {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return err
	}
	_, err = t.bot.Send(tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path)))
	return err
}

// CreateChannel maps to the user's private chat; nothing is created.
func (t *Telegram) CreateChannel(_ context.Context, userID, _ string) (string, error) {
	if _, err := strconv.ParseInt(userID, 10, 64); err != nil {
		return "", fmt.Errorf("bad user id %q: %w", userID, err)
	}
	return userID, nil
}

// DeleteChannel is a no-op: private chats cannot be torn down.
func (t *Telegram) DeleteChannel(context.Context, string) error { return nil }

func (t *Telegram) LookupBot(_ context.Context, botID string) (chat.BotProfile, error) {
	id, err := strconv.ParseInt(botID, 10, 64)
	if err != nil {
		return chat.BotProfile{}, fmt.Errorf("bad bot id %q: %w", botID, err)
	}
	c, err := t.bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: id}})
	if err != nil {
		return chat.BotProfile{}, err
	}
	name := c.UserName
	if name == "" {
		name = c.FirstName
	}
	return chat.BotProfile{ID: botID, Username: name}, nil
}

// FetchAttachment resolves the Telegram file id carried in att.URL to a
// download link and streams it to destPath.
func (t *Telegram) FetchAttachment(ctx context.Context, att chat.Attachment, destPath string) error {
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: att.URL})
	if err != nil {
		return fmt.Errorf("resolve file %q: %w", att.Name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(t.bot.Token), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %q: %w", att.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %q: status %s", att.Name, resp.Status)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}
	return out.Close()
}

// toMessage converts a Telegram message update into the transport-neutral
// event. Documents surface as attachments carrying the Telegram file id.
func toMessage(m *tgbotapi.Message) chat.Message {
	msg := chat.Message{
		ID:        strconv.Itoa(m.MessageID),
		ChannelID: strconv.FormatInt(m.Chat.ID, 10),
		AuthorID:  strconv.FormatInt(m.From.ID, 10),
		Content:   strings.TrimSpace(m.Text),
	}
	if m.Document != nil {
		msg.Attachments = append(msg.Attachments, chat.Attachment{
			Name: m.Document.FileName,
			URL:  m.Document.FileID,
		})
		if msg.Content == "" {
			msg.Content = strings.TrimSpace(m.Caption)
		}
	}
	return msg
}

// toSelection converts a callback query into the transport-neutral event,
// splitting the "customID|value" callback data.
func toSelection(q *tgbotapi.CallbackQuery) (chat.Selection, bool) {
	custom, value, ok := strings.Cut(q.Data, "|")
	if !ok || q.Message == nil {
		return chat.Selection{}, false
	}
	return chat.Selection{
		ID:        q.ID,
		ChannelID: strconv.FormatInt(q.Message.Chat.ID, 10),
		UserID:    strconv.FormatInt(q.From.ID, 10),
		CustomID:  custom,
		Values:    []string{value},
	}, true
}
