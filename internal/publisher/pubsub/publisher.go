// Package pubsub announces finished refresh runs on a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/timetable-refresher/internal/monitor"
)

// SendFunc publishes one message and returns the server-assigned id.
type SendFunc func(ctx context.Context, data []byte, attrs map[string]string) (string, error)

// Notification is the message body for a finished run.
type Notification struct {
	RunID             string         `json:"run_id"`
	StartedAt         time.Time      `json:"started_at"`
	DurationMS        int64          `json:"duration_ms"`
	TotalJobs         int            `json:"total_jobs"`
	Successes         int            `json:"successes"`
	Failures          int            `json:"failures"`
	Skipped           int            `json:"skipped"`
	SuccessRate       float64        `json:"success_rate"`
	FallbackBreakdown map[string]int `json:"fallback_breakdown,omitempty"`
	FailedJobs        []int          `json:"failed_jobs,omitempty"`
}

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	send SendFunc
	stop func()
}

// New creates a Publisher for the given topic.
func New(topic *pubsub.Topic) *Publisher {
	if topic == nil {
		return &Publisher{}
	}
	return &Publisher{
		send: func(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
			return topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
		},
		stop: topic.Stop,
	}
}

// NewWithSender creates a Publisher around a custom send function.
func NewWithSender(send SendFunc) *Publisher {
	return &Publisher{send: send}
}

// Publish marshals the payload to JSON and publishes it.
func (p *Publisher) Publish(ctx context.Context, payload any, attrs map[string]string) (string, error) {
	if p == nil || p.send == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id, err := p.send(ctx, data, attrs)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// HandleReport publishes a run summary.
func (p *Publisher) HandleReport(ctx context.Context, report monitor.Report) error {
	note := Notification{
		RunID:             report.RunID,
		StartedAt:         report.StartTime,
		DurationMS:        report.Duration.Milliseconds(),
		TotalJobs:         report.TotalJobs,
		Successes:         len(report.Successes),
		Failures:          len(report.Errors),
		Skipped:           report.Skipped,
		SuccessRate:       report.SuccessRate(),
		FallbackBreakdown: report.FallbackBreakdown,
	}
	for _, f := range report.Errors {
		note.FailedJobs = append(note.FailedJobs, int(f.JobID))
	}
	attrs := map[string]string{
		"event":     "refresh.completed",
		"run_id":    report.RunID,
		"successes": strconv.Itoa(note.Successes),
		"failures":  strconv.Itoa(note.Failures),
	}
	_, err := p.Publish(ctx, note, attrs)
	return err
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p != nil && p.stop != nil {
		p.stop()
	}
}
