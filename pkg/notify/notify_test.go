package notify

import (
	"context"
	"errors"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docsupply/platform/pkg/common/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	eventType string
	key       string
	data      map[string]interface{}
	err       error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, eventType, _, key string, data map[string]interface{}) error {
	p.eventType, p.key, p.data = eventType, key, data
	return p.err
}

func TestKafkaGatewayPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	gw := NewKafkaGateway(pub)

	err := gw.Send(context.Background(), Message{To: "Reader@Example.org", Subject: "s", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, EventEmailRequested, pub.eventType)
	assert.Equal(t, "reader@example.org", pub.key)

	msg, err := MessageFromEvent(pub.data)
	require.NoError(t, err)
	assert.Equal(t, Message{To: "Reader@Example.org", Subject: "s", Body: "b"}, msg)
}

func TestKafkaGatewayErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	gw := NewKafkaGateway(pub)

	err := gw.Send(context.Background(), Message{To: "a@example.org"})
	assert.ErrorContains(t, err, "broker down")

	err = gw.Send(context.Background(), Message{To: "not an address"})
	assert.ErrorIs(t, err, ErrInvalidRecipient)
}

func sampleRequest() models.DocumentRequest {
	reason := models.RejectAvailable
	return models.DocumentRequest{
		ID:             uuid.New(),
		RequesterEmail: "reader@example.org",
		Metadata: models.Metadata{
			Title:           "Quantum Mechanics",
			Authors:         "Dirac, P.",
			PublicationName: "Proc. R. Soc.",
			PublicationYear: 1928,
			Volume:          "117",
		},
		Status:       models.StatusRejected,
		RejectReason: &reason,
	}
}

func TestDefaultTemplates(t *testing.T) {
	tpl := DefaultTemplates()
	req := sampleRequest()

	msg, err := tpl.StatusChanged(req)
	require.NoError(t, err)
	assert.Equal(t, "reader@example.org", msg.To)
	assert.Equal(t, `Your document request "Quantum Mechanics" is now rejected`, msg.Subject)
	assert.Contains(t, msg.Body, "Reason: Available")
	assert.Contains(t, msg.Body, req.ID.String())

	lib := models.Library{Name: "Bodleian", ContactEmail: "ill@bodleian.example"}
	msg, err = tpl.Solicitation(lib, req)
	require.NoError(t, err)
	assert.Equal(t, "ill@bodleian.example", msg.To)
	assert.Contains(t, msg.Body, "Dear Bodleian")
	assert.Contains(t, msg.Body, "Volume: 117")
	assert.NotContains(t, msg.Body, "Issue:")
}

func TestLoadTemplatesOverridesAndFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	content := "templates:\n  status_changed:\n    subject: 'Update: {{ .Request.Status }}'\n    body: 'now {{ .Request.Status }}'\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	tpl, err := LoadTemplates(path)
	require.NoError(t, err)

	msg, err := tpl.StatusChanged(sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "Update: rejected", msg.Subject)
	assert.Equal(t, "now rejected", msg.Body)

	_, err = tpl.Solicitation(models.Library{Name: "x", ContactEmail: "x@lib.example"}, sampleRequest())
	assert.NoError(t, err)

	_, err = LoadTemplates(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseTemplatesRejectsBrokenSyntax(t *testing.T) {
	_, err := ParseTemplates([]byte("templates:\n  x:\n    subject: '{{ .Oops'\n    body: ''\n"))
	assert.Error(t, err)
}

func TestSMTPSenderBuildsMessage(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	sender := NewSMTPSender(SMTPConfig{Host: "mail.example.org", Port: "2525", From: "requests@example.org"})
	sender.send = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	err := sender.Send(context.Background(), Message{To: "reader@example.org", Subject: "Hello", Body: "line one\nline two"})
	require.NoError(t, err)
	assert.Equal(t, "mail.example.org:2525", gotAddr)
	assert.Equal(t, []string{"reader@example.org"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Hello\r\n")
	assert.True(t, strings.HasSuffix(gotMsg, "line one\r\nline two"))
}
