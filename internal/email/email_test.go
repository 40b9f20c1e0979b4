package email

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSender_Disabled(t *testing.T) {
	s := NewSender(Config{})
	assert.False(t, s.Enabled())
	assert.NoError(t, s.Send(context.Background(), "a@example.com", "hi", "body"))
}

func TestSender_BuildMessage(t *testing.T) {
	s := NewSender(Config{Host: "smtp.example.com", Port: 587, From: "noreply@murmur.test"})
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	msg := s.buildMessage("alice@example.com", "New reply", "hello")
	headers, body, ok := strings.Cut(msg, "\r\n\r\n")
	require.True(t, ok)
	assert.Equal(t, "hello", body)
	assert.Contains(t, headers, "From: Murmur <noreply@murmur.test>")
	assert.Contains(t, headers, "To: alice@example.com")
	assert.Contains(t, headers, "Subject: New reply")
	assert.Contains(t, headers, "Date: Fri, 02 Jan 2026 03:04:05 +0000")
	assert.Contains(t, headers, "@murmur.test>")
}

func TestSender_RejectsHeaderInjection(t *testing.T) {
	s := NewSender(Config{Host: "127.0.0.1", Port: 1, From: "noreply@murmur.test"})
	err := s.Send(context.Background(), "a@example.com\r\nBcc: b@example.com", "hi", "body")
	assert.Error(t, err)
}
