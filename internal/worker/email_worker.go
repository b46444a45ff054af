package worker

// email_worker.go
// Processes email jobs from QueueEmail: sends the receipt copy PDF to the
// customer. Failed sends go to the email DLQ.

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// EmailJobPayload is the job envelope sent to QueueEmail.
type EmailJobPayload struct {
	ToEmail    string `json:"to_email"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	PDFPath    string `json:"pdf_path"`
	SaleNumber string `json:"sale_number,omitempty"`
}

// ReceiptMailer is satisfied by *infra.Mailer.
type ReceiptMailer interface {
	SendReceiptCopy(to, subject, body, pdfPath string) error
}

type EmailWorker struct {
	mailer ReceiptMailer
	dlq    Queue
}

// NewEmailWorker creates an EmailWorker. dlq may be nil.
func NewEmailWorker(mailer ReceiptMailer, dlq Queue) *EmailWorker {
	return &EmailWorker{mailer: mailer, dlq: dlq}
}

// Process sends an email with the PDF receipt as attachment.
func (w *EmailWorker) Process(ctx context.Context, raw json.RawMessage) {
	var payload EmailJobPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Error().Err(err).Msg("email_worker: invalid payload")
		return
	}
	if payload.ToEmail == "" {
		log.Warn().Msg("email_worker: empty to_email, skipping")
		return
	}

	if err := w.mailer.SendReceiptCopy(payload.ToEmail, payload.Subject, payload.Body, payload.PDFPath); err != nil {
		log.Error().Err(err).Str("to", payload.ToEmail).Str("sale_number", payload.SaleNumber).Msg("email_worker: failed to send email")
		SendToDLQ(ctx, w.dlq, DeadLetter{
			Queue:    QueueEmail,
			JobType:  jobTypeEmail,
			Reason:   err.Error(),
			Attempts: 1,
			Payload:  raw,
		})
		return
	}
	log.Info().Str("to", payload.ToEmail).Str("sale_number", payload.SaleNumber).Msg("email_worker: receipt copy sent")
}
