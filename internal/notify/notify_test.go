package notify

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairline/internal/domain"
)

func TestSubjectUrgencyPrefix(t *testing.T) {
	req := SampleRequest()
	req.UnitNumber = ""
	req.PropertyAddress = "12 Elm Street"
	tests := []struct {
		urgency domain.Urgency
		want    string
	}{
		{domain.UrgencyEmergency, "ACTION REQUIRED [Emergency] Plumbing repair request - 12 Elm Street"},
		{domain.UrgencyUrgent, "ACTION REQUIRED [Urgent] Plumbing repair request - 12 Elm Street"},
		{domain.UrgencyStandard, "[Standard] Plumbing repair request - 12 Elm Street"},
		{domain.UrgencyLow, "[Low] Plumbing repair request - 12 Elm Street"},
	}
	for _, tt := range tests {
		req.Urgency = tt.urgency
		assert.Equal(t, tt.want, Subject(req))
	}
}

func TestComposeIncludesTaskLinkAndFields(t *testing.T) {
	req := SampleRequest()
	msg := Compose(req, domain.TaskRef{ID: "42", URL: "https://app.asana.com/0/1/42"}, []string{"ops@example.com"})
	assert.Equal(t, []string{"ops@example.com"}, msg.Recipients)
	for _, want := range []string{"Test Tenant", "test@example.com", "(555) 123-4567", "123 Test Street", "Apt 4B", "Leaky faucet", "https://app.asana.com/0/1/42"} {
		assert.Contains(t, msg.TextBody, want)
	}
	assert.Contains(t, msg.HTMLBody, `<a href="https://app.asana.com/0/1/42">`)
	assert.Contains(t, msg.HTMLBody, "<h2>Tenant</h2>")
}

func TestComposeFallsBackToTaskID(t *testing.T) {
	msg := Compose(SampleRequest(), SampleTaskRef(), nil)
	assert.Contains(t, msg.TextBody, "Task ID: test_task_12345")
}

func TestComposeEscapesRawHTML(t *testing.T) {
	req := SampleRequest()
	req.Description = "<script>alert(1)</script>"
	msg := Compose(req, SampleTaskRef(), nil)
	assert.NotContains(t, msg.HTMLBody, "<script>")
}

func TestRenderMultipart(t *testing.T) {
	msg := Compose(SampleRequest(), SampleTaskRef(), []string{"ops@example.com", "Lead <lead@example.com>"})
	data, err := Render(msg, &mail.Address{Name: "Repairs", Address: "repairs@example.com"}, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)

	r, err := mail.CreateReader(bytes.NewReader(data))
	require.NoError(t, err)
	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, msg.Subject, subject)
	to, err := r.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 2)
	assert.Equal(t, "lead@example.com", to[1].Address)

	var types []string
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		h, ok := p.Header.(*mail.InlineHeader)
		require.True(t, ok)
		ct, _, _ := h.ContentType()
		types = append(types, ct)
		body, _ := io.ReadAll(p.Body)
		if ct == "text/plain" {
			assert.Contains(t, string(body), "Test Tenant")
		}
	}
	assert.Equal(t, []string{"text/plain", "text/html"}, types)
}

func TestRenderRejectsBadRecipients(t *testing.T) {
	from := &mail.Address{Address: "repairs@example.com"}
	_, err := Render(domain.EmailMessage{Subject: "x"}, from, time.Now())
	assert.Error(t, err)
	_, err = Render(domain.EmailMessage{Subject: "x", Recipients: []string{"not an address"}}, from, time.Now())
	assert.Error(t, err)
}

// fakeSMTP accepts one session without STARTTLS or AUTH and records it.
type fakeSMTP struct {
	ln    net.Listener
	rcpts []string
	data  string
	done  chan struct{}
}

func startFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeSMTP{ln: ln, done: make(chan struct{})}
	t.Cleanup(func() { ln.Close() })
	go f.serve()
	return f
}

func (f *fakeSMTP) serve() {
	defer close(f.done)
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	reply := func(s string) {
		rw.WriteString(s + "\r\n")
		rw.Flush()
	}
	reply("220 fake ESMTP")
	for {
		line, err := rw.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		upper := strings.ToUpper(cmd)
		switch {
		case strings.HasPrefix(upper, "EHLO"):
			reply("250-fake")
			reply("250 8BITMIME")
		case strings.HasPrefix(upper, "MAIL FROM"):
			reply("250 ok")
		case strings.HasPrefix(upper, "RCPT TO"):
			f.rcpts = append(f.rcpts, strings.Trim(cmd[len("RCPT TO:"):], "<>"))
			reply("250 ok")
		case upper == "DATA":
			reply("354 go ahead")
			var b strings.Builder
			for {
				l, err := rw.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			f.data = b.String()
			reply("250 queued")
		case upper == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 ok")
		}
	}
}

func TestSMTPMailerSend(t *testing.T) {
	srv := startFakeSMTP(t)
	host, portStr, _ := net.SplitHostPort(srv.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	m := NewSMTPMailer(SMTPConfig{Host: host, Port: port, From: "repairs@example.com"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := Compose(SampleRequest(), SampleTaskRef(), []string{"ops@example.com", "lead@example.com"})
	require.NoError(t, m.Send(ctx, msg))
	<-srv.done

	assert.Equal(t, []string{"ops@example.com", "lead@example.com"}, srv.rcpts)
	assert.Contains(t, srv.data, "Subject: [Standard] Plumbing repair request")
}

func TestSMTPMailerDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()
	m := NewSMTPMailer(SMTPConfig{Host: "127.0.0.1", Port: addr.Port, From: "repairs@example.com"}, nil)
	err = m.Send(context.Background(), Compose(SampleRequest(), SampleTaskRef(), []string{"ops@example.com"}))
	assert.ErrorContains(t, err, "dial")
}
