package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

var defaultHTTPClient = &http.Client{Timeout: 10 * time.Second}

// DingTalkWebhook 通过钉钉机器人 Webhook 发送文本消息。
type DingTalkWebhook struct {
	URL    string
	Client *http.Client
}

// Send 发送文本消息。
func (s *DingTalkWebhook) Send(ctx context.Context, content string) error {
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	}
	return postJSON(ctx, s.Client, s.URL, payload)
}

// SlackWebhook 通过 Slack Incoming Webhook 发送消息。
type SlackWebhook struct {
	URL    string
	Client *http.Client
}

// Send 发送消息；channel 为空时使用 Webhook 的默认频道。
func (s *SlackWebhook) Send(ctx context.Context, channel, content string) error {
	payload := map[string]any{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	return postJSON(ctx, s.Client, s.URL, payload)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	if url == "" {
		return fmt.Errorf("webhook 地址不能为空")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化告警消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if client == nil {
		client = defaultHTTPClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("告警接收端返回状态码 %d", resp.StatusCode)
	}
	return nil
}

// SMTPSender 通过 SMTP 服务器发送告警邮件。
type SMTPSender struct {
	Addr     string
	From     string
	Username string
	Password string
}

// Send 发送邮件；Username 非空时使用 PLAIN 认证。
func (s *SMTPSender) Send(_ context.Context, subject, content string, to []string) error {
	if s.Addr == "" || s.From == "" {
		return fmt.Errorf("SMTP 地址与发件人不能为空")
	}
	var auth smtp.Auth
	if s.Username != "" {
		host := s.Addr
		if idx := strings.LastIndex(host, ":"); idx >= 0 {
			host = host[:idx]
		}
		auth = smtp.PlainAuth("", s.Username, s.Password, host)
	}
	message := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		s.From, strings.Join(to, ","), subject, content)
	if err := smtp.SendMail(s.Addr, auth, s.From, to, []byte(message)); err != nil {
		return fmt.Errorf("发送告警邮件失败: %w", err)
	}
	return nil
}
