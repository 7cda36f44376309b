package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"candy-panel/internal/model"
	"candy-panel/logger"
	"candy-panel/util/common"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

type messageSender interface {
	SendMessage(params *telego.SendMessageParams) (*telego.Message, error)
}

// Notifier delivers fleet events to the Telegram admin chat configured in settings.
type Notifier struct {
	settings *SettingService
	newBot   func(token string) (messageSender, error)

	mu    sync.Mutex
	bot   messageSender
	token string
}

func NewNotifier(settings *SettingService) *Notifier {
	return &Notifier{
		settings: settings,
		newBot: func(token string) (messageSender, error) {
			return telego.NewBot(token)
		},
	}
}

// Notify sends text to the admin chat. It is a no-op while the bot is disabled.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	cfg, err := n.settings.Telegram(ctx)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return nil
	}

	n.mu.Lock()
	if n.bot == nil || n.token != cfg.Token {
		bot, err := n.newBot(cfg.Token)
		if err != nil {
			n.mu.Unlock()
			return fmt.Errorf("create telegram bot: %w", err)
		}
		n.bot = bot
		n.token = cfg.Token
	}
	bot := n.bot
	n.mu.Unlock()

	_, err = bot.SendMessage(tu.Message(tu.ID(cfg.AdminID), text))
	return err
}

// ServerStatusChanged reports transitions into a failing state. It runs the
// send in the background so registry writers are never blocked on Telegram.
func (n *Notifier) ServerStatusChanged(change StatusChange) {
	status := change.Server.Status
	if status != model.ServerStatusUnreachable && status != model.ServerStatusError {
		return
	}
	text := fmt.Sprintf("Server %s (#%d) is %s (was %s)", change.Server.Name, change.Server.ID, status, change.Previous)
	go func() {
		defer common.Recover("telegram notify")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := n.Notify(ctx, text); err != nil {
			logger.Warning("telegram notify failed:", err)
		}
	}()
}
