package poststore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"

	"xthreadcraft/internal/logger"
)

// messageDeleter is the part of *telego.Bot used by TelegramStore.
type messageDeleter interface {
	DeleteMessage(ctx context.Context, params *telego.DeleteMessageParams) error
}

// TelegramStore removes channel posts through the Telegram Bot API. Post ids
// are "<chat_id>:<message_id>", or a bare message id in the default channel.
type TelegramStore struct {
	bot            messageDeleter
	defaultChannel int64
	now            func() time.Time
}

// NewTelegramStore authorizes the bot and returns a store for its channels.
func NewTelegramStore(ctx context.Context, token, apiServer string, defaultChannel int64) (*TelegramStore, error) {
	if token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	options := []telego.BotOption{telego.WithDefaultLogger(false, true)}
	if apiServer != "" {
		options = append(options, telego.WithAPIServer(apiServer))
	}
	bot, err := telego.NewBot(token, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize bot: %w", err)
	}

	botUser, err := bot.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get bot info: %w", err)
	}
	logger.Infof("Authorized on account %s", botUser.Username)

	return newTelegramStore(bot, defaultChannel), nil
}

func newTelegramStore(bot messageDeleter, defaultChannel int64) *TelegramStore {
	return &TelegramStore{bot: bot, defaultChannel: defaultChannel, now: time.Now}
}

// DeletePost deletes one channel message. The owner is not consulted: the bot
// acts with its own admin rights in the channel.
func (s *TelegramStore) DeletePost(ctx context.Context, ownerID, postID string) error {
	chatID, messageID, err := s.parsePostID(postID)
	if err != nil {
		return err
	}

	err = s.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    telego.ChatID{ID: chatID},
		MessageID: messageID,
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	classified := s.classify(err)
	logger.Debugf("Telegram delete of %d in chat %d failed: %v", messageID, chatID, classified)
	return classified
}

// FetchPost is not available: the Bot API cannot read a message by id.
func (s *TelegramStore) FetchPost(ctx context.Context, ownerID, postID string) (*Post, error) {
	if _, _, err := s.parsePostID(postID); err != nil {
		return nil, err
	}
	return nil, ErrFetchUnsupported
}

func (s *TelegramStore) parsePostID(postID string) (int64, int, error) {
	chatPart, msgPart, found := strings.Cut(postID, ":")
	chatID := s.defaultChannel
	if found {
		id, err := strconv.ParseInt(chatPart, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: invalid chat id in %q", ErrRejected, postID)
		}
		chatID = id
	} else {
		msgPart = chatPart
	}
	if chatID == 0 {
		return 0, 0, fmt.Errorf("%w: post %q has no chat and no default channel is configured", ErrRejected, postID)
	}

	messageID, err := strconv.Atoi(msgPart)
	if err != nil || messageID <= 0 {
		return 0, 0, fmt.Errorf("%w: invalid message id in %q", ErrRejected, postID)
	}
	return chatID, messageID, nil
}

func (s *TelegramStore) classify(err error) error {
	var apiErr *telegoapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	desc := strings.ToLower(apiErr.Description)
	switch {
	case apiErr.ErrorCode == http.StatusTooManyRequests:
		rl := &RateLimitError{}
		if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
			rl.RetryAt = s.now().Add(time.Duration(apiErr.Parameters.RetryAfter) * time.Second).UTC()
		}
		return rl
	case strings.Contains(desc, "message to delete not found"):
		return fmt.Errorf("%w: %s", ErrPostNotFound, apiErr.Description)
	case apiErr.ErrorCode == http.StatusUnauthorized, apiErr.ErrorCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Description)
	case apiErr.ErrorCode >= 500:
		return fmt.Errorf("%w: %s", ErrTransient, apiErr.Description)
	case apiErr.ErrorCode >= 400:
		return fmt.Errorf("%w: %s", ErrRejected, apiErr.Description)
	}
	return fmt.Errorf("%w: %s", ErrTransient, apiErr.Description)
}

var _ Store = (*TelegramStore)(nil)
