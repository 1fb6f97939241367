package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/loom/internal/domain"
)

type fakeEmail struct {
	mu      sync.Mutex
	to      [][]string
	subject string
	body    string
}

func (f *fakeEmail) SendEmail(_ context.Context, to []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = append(f.to, to)
	f.subject = subject
	f.body = body
	return nil
}

func testRun(addresses ...string) *domain.Run {
	return &domain.Run{
		ID:                    uuid.MustParse("01234567-89ab-cdef-0123-456789abcdef"),
		Name:                  "align",
		Status:                domain.RunStatusFinished,
		NotificationAddresses: addresses,
	}
}

func TestBuild(t *testing.T) {
	msg, err := Build(testRun(), "loom-dev", "http://loom:8000/")
	require.NoError(t, err)

	assert.Equal(t, "Loom run align@01234567 is finished", msg.Subject)
	assert.Equal(t, "Loom run align@01234567 is Finished", msg.Payload.Message)
	assert.Equal(t, "Finished", msg.Payload.RunStatus)
	assert.Equal(t, "http://loom:8000/#/runs/01234567-89ab-cdef-0123-456789abcdef/", msg.Payload.RunURL)
	assert.Equal(t, "http://loom:8000/api/runs/01234567-89ab-cdef-0123-456789abcdef/", msg.Payload.RunAPIURL)
	assert.Equal(t, "http://loom:8000", msg.Payload.ServerURL)
	assert.Equal(t, "loom-dev", msg.Payload.ServerName)
	assert.Contains(t, msg.Text, "Loom run align@01234567 is finished.")
	assert.Contains(t, msg.Text, msg.Payload.RunURL)
}

func TestPartition(t *testing.T) {
	emails, urls := Partition([]string{"a@x.org", "http://hook", " ", "a@x.org", "https://other"})
	assert.Equal(t, []string{"a@x.org"}, emails)
	assert.Equal(t, []string{"http://hook", "https://other"}, urls)
}

func TestNotify(t *testing.T) {
	var mu sync.Mutex
	var received []Payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	email := &fakeEmail{}
	n := New(Config{
		ServerName: "loom-dev",
		ServerURL:  "http://loom:8000",
		Addresses:  []string{"ops@x.org", server.URL},
		Email:      email,
	})

	err := n.Notify(context.Background(), testRun("a@x.org", server.URL))
	require.NoError(t, err)

	require.Len(t, email.to, 1)
	assert.Equal(t, []string{"a@x.org", "ops@x.org"}, email.to[0])
	assert.Equal(t, "Loom run align@01234567 is finished", email.subject)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1, "duplicate url should be posted once")
	assert.Equal(t, "align", received[0].RunName)
	assert.Equal(t, "01234567-89ab-cdef-0123-456789abcdef", received[0].RunUUID)
}

func TestNotify_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	email := &fakeEmail{}
	n := New(Config{Email: email})

	err := n.Notify(context.Background(), testRun("a@x.org", server.URL))
	assert.ErrorIs(t, err, ErrWebhook)
	assert.Len(t, email.to, 1, "email should be sent despite webhook failure")

	n = New(Config{})
	err = n.Notify(context.Background(), testRun("a@x.org"))
	assert.ErrorIs(t, err, ErrNoSMTP)

	assert.NoError(t, n.Notify(context.Background(), testRun()))
}

func TestSMTPSender(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	s := NewSMTPSender(SMTPConfig{Host: "mail", Port: 2525, From: "loom@x.org"})
	s.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	err := s.SendEmail(context.Background(), []string{"a@x.org", "b@x.org"}, "Loom run x is failed", "line1\nline2")
	require.NoError(t, err)

	assert.Equal(t, "mail:2525", gotAddr)
	assert.Equal(t, "loom@x.org", gotFrom)
	assert.Equal(t, []string{"a@x.org", "b@x.org"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: Loom run x is failed\r\n")
	assert.Contains(t, string(gotMsg), "To: a@x.org, b@x.org\r\n")
	assert.Contains(t, string(gotMsg), "line1\r\nline2")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.SendEmail(ctx, []string{"a@x.org"}, "s", "b"), context.Canceled)
}
