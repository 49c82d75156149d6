package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/util"
)

// ErrChannelUnavailable signals that the delivery channel is not wired up
// in this deployment. Callers surface it before issuing a challenge so no
// code is minted that can never reach the recipient.
var ErrChannelUnavailable = errors.New("delivery channel unavailable")

// EmailSender delivers one-time codes over email.
type EmailSender interface {
	Configured() bool
	SendOtp(ctx context.Context, email, code string) error
}

// SMSSender delivers one-time codes over SMS.
type SMSSender interface {
	Configured() bool
	SendOtp(ctx context.Context, phone, code string) error
}

type emailJob struct {
	To       string    `json:"to"`
	From     string    `json:"from"`
	Code     string    `json:"code"`
	IssuedAt time.Time `json:"issued_at"`
}

type smsJob struct {
	To       string    `json:"to"`
	SenderID string    `json:"sender_id"`
	Code     string    `json:"code"`
	IssuedAt time.Time `json:"issued_at"`
}

// kafkaEmailSender publishes delivery jobs for the mailer workers to pick
// up. Configured only when a producer, topic and from-address all exist.
type kafkaEmailSender struct {
	producer *client.KafkaProducer
	topic    string
	from     string
}

func NewKafkaEmailSender(producer *client.KafkaProducer, topic, from string) EmailSender {
	return &kafkaEmailSender{producer: producer, topic: topic, from: from}
}

func (s *kafkaEmailSender) Configured() bool {
	return s.producer != nil && s.topic != "" && s.from != ""
}

func (s *kafkaEmailSender) SendOtp(ctx context.Context, email, code string) error {
	if !s.Configured() {
		return ErrChannelUnavailable
	}

	payload, err := json.Marshal(emailJob{
		To:       email,
		From:     s.from,
		Code:     code,
		IssuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode email job: %w", err)
	}

	if err := s.producer.ProduceMessage(ctx, s.topic, []byte(email), payload, nil); err != nil {
		util.Error("Failed to enqueue email delivery",
			zap.String("topic", s.topic),
			zap.Error(err))
		return fmt.Errorf("failed to enqueue email delivery: %w", err)
	}

	util.Info("Email delivery enqueued", zap.String("topic", s.topic))
	return nil
}

type kafkaSMSSender struct {
	producer *client.KafkaProducer
	topic    string
	senderID string
}

func NewKafkaSMSSender(producer *client.KafkaProducer, topic, senderID string) SMSSender {
	return &kafkaSMSSender{producer: producer, topic: topic, senderID: senderID}
}

func (s *kafkaSMSSender) Configured() bool {
	return s.producer != nil && s.topic != "" && s.senderID != ""
}

func (s *kafkaSMSSender) SendOtp(ctx context.Context, phone, code string) error {
	if !s.Configured() {
		return ErrChannelUnavailable
	}

	payload, err := json.Marshal(smsJob{
		To:       phone,
		SenderID: s.senderID,
		Code:     code,
		IssuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode sms job: %w", err)
	}

	if err := s.producer.ProduceMessage(ctx, s.topic, []byte(phone), payload, nil); err != nil {
		util.Error("Failed to enqueue sms delivery",
			zap.String("topic", s.topic),
			zap.Error(err))
		return fmt.Errorf("failed to enqueue sms delivery: %w", err)
	}

	util.Info("SMS delivery enqueued", zap.String("topic", s.topic))
	return nil
}
