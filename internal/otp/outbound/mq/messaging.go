// Package mq publishes passcode lifecycle events so delivery services
// (mail, SMS, push) can pick them up without being called inline.
package mq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/otpgate/otpgate/internal/otp/usecase"
	"github.com/otpgate/otpgate/internal/pkg/instrument"
	"github.com/otpgate/otpgate/internal/pkg/messaging"
	"go.opentelemetry.io/otel/codes"
)

const keyOfCorrelationID string = "cID"

// OtpIssuedDestination is the topic/subject carrying issued-code events.
const OtpIssuedDestination = "otp.issued"

// otpIssuedMessage is the wire shape of an issued-code event. The code is
// included so the delivery side can render it; it never appears in API
// responses or logs.
type otpIssuedMessage struct {
	OtpID     int64     `json:"otp_id"`
	UserID    string    `json:"user_id"`
	Purpose   string    `json:"purpose"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	IssuedAt  time.Time `json:"issued_at"`
}

type Messaging struct {
	client messaging.Messaging
	ins    instrument.Instrumentation
}

func NewMessaging(client messaging.Messaging, ins instrument.Instrumentation) *Messaging {
	return &Messaging{client: client, ins: ins}
}

func (m *Messaging) PublishOtpIssued(ctx context.Context, msg usecase.OtpIssuedEvent) error {
	ctx, span := m.ins.Tracer("otp.outbound.mq").Start(ctx, "PublishOtpIssued")
	defer span.End()

	body, err := json.Marshal(otpIssuedMessage{
		OtpID:     msg.OtpID,
		UserID:    msg.UserID,
		Purpose:   msg.Purpose,
		Code:      msg.Code,
		ExpiresAt: msg.ExpiresAt,
		IssuedAt:  msg.IssuedAt,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	cID := instrument.GetCorrelationID(ctx)
	if _, err := m.client.Publish(ctx, OtpIssuedDestination, messaging.OutgoingMessage{
		Body:    body,
		Key:     []byte(msg.UserID),
		Headers: []messaging.Header{{Key: keyOfCorrelationID, Value: []byte(cID)}},
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}
