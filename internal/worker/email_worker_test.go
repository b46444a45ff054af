package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMailer struct {
	sent []string
	err  error
}

func (m *stubMailer) SendReceiptCopy(to, _, _, _ string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, to)
	return nil
}

func TestEmailWorker_Sends(t *testing.T) {
	m := &stubMailer{}
	w := NewEmailWorker(m, nil)
	raw, _ := json.Marshal(EmailJobPayload{ToEmail: "ana@example.com", PDFPath: "/tmp/r.pdf"})

	w.Process(context.Background(), raw)
	assert.Equal(t, []string{"ana@example.com"}, m.sent)
}

func TestEmailWorker_SkipsEmptyRecipient(t *testing.T) {
	m := &stubMailer{}
	w := NewEmailWorker(m, nil)
	w.Process(context.Background(), json.RawMessage(`{"to_email":""}`))
	assert.Empty(t, m.sent)
}

func TestEmailWorker_FailureGoesToDLQ(t *testing.T) {
	q := NewMemoryQueue()
	w := NewEmailWorker(&stubMailer{err: errors.New("smtp down")}, q)
	raw, _ := json.Marshal(EmailJobPayload{ToEmail: "ana@example.com"})

	w.Process(context.Background(), raw)

	n, err := DLQLength(context.Background(), q, QueueEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
