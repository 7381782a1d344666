package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTelegramAPI = "https://api.telegram.org"

// Telegram 通知器：调仓运行结束后把当日摘要推送到指定群/频道。
type Telegram struct {
	BotToken string
	ChatID   string
	Client   *http.Client

	apiBase    string
	retryDelay time.Duration
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		BotToken:   botToken,
		ChatID:     chatID,
		Client:     &http.Client{Timeout: 15 * time.Second},
		apiBase:    defaultTelegramAPI,
		retryDelay: time.Second,
	}
}

// SendText 发送文本消息，最多 3 次重试，退避逐次加长。
func (t *Telegram) SendText(text string) error {
	if t == nil || t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("telegram 配置不完整")
	}
	body, err := json.Marshal(map[string]any{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * t.retryDelay)
		}
		if err := t.post(body); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (t *Telegram) post(body []byte) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.BotToken)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("telegram status=%d", resp.StatusCode)
	}
	return nil
}
