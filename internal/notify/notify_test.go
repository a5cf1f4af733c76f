package notify

import (
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/lthn-network/lthn-pool/internal/config"
)

type mailCapture struct {
	mu   sync.Mutex
	to   []string
	body string
	sent chan struct{}
}

func newMailCapture() *mailCapture {
	return &mailCapture{sent: make(chan struct{}, 4)}
}

func (m *mailCapture) send(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.to = to
	m.body = string(msg)
	m.sent <- struct{}{}
	return nil
}

func TestWorkerStoppedHashingEmail(t *testing.T) {
	capture := newMailCapture()
	n := NewNotifier(config.NotifyConfig{
		SMTPHost:                "smtp.local",
		SMTPPort:                587,
		SMTPFrom:                "pool@local",
		EmailSig:                "LTHN Pool",
		WorkerNotHashingSubject: "Worker %s stopped hashing",
		WorkerNotHashingBody:    "Your worker %s has not submitted a share in the last 10 minutes as of %s.",
	}, "Test Pool")
	n.sendMail = capture.send

	n.NotifyWorkerStoppedHashing("miner@example.com", "rig1", time.Unix(1700000000, 0))

	select {
	case <-capture.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("email never sent")
	}

	capture.mu.Lock()
	defer capture.mu.Unlock()
	if len(capture.to) != 1 || capture.to[0] != "miner@example.com" {
		t.Errorf("to = %v", capture.to)
	}
	if !strings.Contains(capture.body, "Worker rig1 stopped hashing") {
		t.Errorf("subject missing worker name: %q", capture.body)
	}
	if !strings.Contains(capture.body, "LTHN Pool") {
		t.Errorf("signature missing: %q", capture.body)
	}
}

func TestEmailSkippedWithoutSMTPHost(t *testing.T) {
	capture := newMailCapture()
	n := NewNotifier(config.NotifyConfig{}, "Test Pool")
	n.sendMail = capture.send

	n.SendEmail("someone@example.com", "subject", "body")

	select {
	case <-capture.sent:
		t.Error("email sent despite missing SMTP config")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPostChatMessage(t *testing.T) {
	received := make(chan DiscordMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg DiscordMessage
		json.NewDecoder(r.Body).Decode(&msg)
		received <- msg
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(config.NotifyConfig{DiscordWebhook: srv.URL}, "Test Pool")
	n.PostChatMessage("payout complete")

	select {
	case msg := <-received:
		if msg.Content != "payout complete" {
			t.Errorf("content = %q", msg.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never called")
	}
}

func TestPaymentAnnounceRespectsOptOut(t *testing.T) {
	called := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called <- struct{}{}
	}))
	defer srv.Close()

	n := NewNotifier(config.NotifyConfig{
		DiscordWebhook: srv.URL,
		PayoutAnnounce: false,
	}, "Test Pool")
	n.NotifyPaymentsSent(12.5, 3)

	select {
	case <-called:
		t.Error("payout announced despite opt-out")
	case <-time.After(100 * time.Millisecond):
	}
}
