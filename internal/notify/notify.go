// Package notify provides notification services for pool events. All
// sends are best effort: failures are logged, never propagated to the
// accounting jobs that raise them.
package notify

import (
	"bytes"
	"fmt"
	"net/http"
	"net/smtp"
	"time"

	"github.com/goccy/go-json"

	"github.com/lthn-network/lthn-pool/internal/config"
	"github.com/lthn-network/lthn-pool/internal/util"
)

// Retry configuration for webhook delivery
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Notifier handles email and chat notifications
type Notifier struct {
	cfg      config.NotifyConfig
	poolName string
	client   *http.Client

	// sendMail is swappable for tests
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewNotifier creates a new notifier
func NewNotifier(cfg config.NotifyConfig, poolName string) *Notifier {
	return &Notifier{
		cfg:      cfg,
		poolName: poolName,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		sendMail: smtp.SendMail,
	}
}

// SendEmail delivers a plain-text email via the configured SMTP relay
func (n *Notifier) SendEmail(to, subject, body string) {
	if n.cfg.SMTPHost == "" || to == "" {
		return
	}

	if n.cfg.EmailSig != "" {
		body = body + "\n\n" + n.cfg.EmailSig
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		n.cfg.SMTPFrom, to, subject, body)

	var auth smtp.Auth
	if n.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUser, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)
	if err := n.sendMail(addr, auth, n.cfg.SMTPFrom, []string{to}, []byte(msg)); err != nil {
		util.Warnf("Failed to send email to %s: %v", to, err)
	}
}

// NotifyWorkerStoppedHashing emails a miner whose worker went quiet
func (n *Notifier) NotifyWorkerStoppedHashing(to, worker string, lastSeen time.Time) {
	subject := fmt.Sprintf(n.cfg.WorkerNotHashingSubject, worker)
	body := fmt.Sprintf(n.cfg.WorkerNotHashingBody, worker, lastSeen.UTC().Format(time.RFC1123))
	go n.SendEmail(to, subject, body)
}

// NotifyAdmin emails the pool operator
func (n *Notifier) NotifyAdmin(subject, body string) {
	go n.SendEmail(n.cfg.AdminEmail, subject, body)
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// PostChatMessage posts a plain message to the chat webhook
func (n *Notifier) PostChatMessage(text string) {
	if n.cfg.DiscordWebhook == "" {
		return
	}
	go n.sendDiscordMessage(DiscordMessage{Content: text})
}

// NotifyPaymentsSent announces a completed settlement pass to chat
func (n *Notifier) NotifyPaymentsSent(totalPaid float64, minerCount int) {
	if n.cfg.DiscordWebhook == "" || !n.cfg.PayoutAnnounce {
		return
	}

	embed := DiscordEmbed{
		Title:       "Payments Sent",
		Description: fmt.Sprintf("**%s** has processed payouts", n.poolName),
		Color:       0x0099FF, // Blue
		Fields: []DiscordField{
			{Name: "Total Paid", Value: fmt.Sprintf("%.4f LTHN", totalPaid), Inline: true},
			{Name: "Miners", Value: fmt.Sprintf("%d", minerCount), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.poolName,
		},
	}

	go n.sendDiscordMessage(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

// NotifyDaemonState announces a daemon health transition to chat and
// the operator's inbox.
func (n *Notifier) NotifyDaemonState(healthy bool, detail string) {
	var subject string
	if healthy {
		subject = "Daemon recovered"
	} else {
		subject = "Daemon alert"
	}
	n.NotifyAdmin(subject, detail)

	if n.cfg.DiscordWebhook == "" {
		return
	}
	color := 0xFF0000 // Red
	if healthy {
		color = 0x00FF00 // Green
	}
	embed := DiscordEmbed{
		Title:       subject,
		Description: detail,
		Color:       color,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.poolName,
		},
	}
	go n.sendDiscordMessage(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

// sendDiscordMessage delivers a webhook message with exponential
// backoff retry
func (n *Notifier) sendDiscordMessage(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 2s, 4s, 8s
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(n.cfg.DiscordWebhook, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}

		// Rate limited - wait longer
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Discord notification after %d retries: %v", MaxRetries, lastErr)
	}
}
