// Package notify turns qualifying evaluations into queued, prioritized,
// rate-limited outbound notifications.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"alert-relay/internal/storage"
)

// Message is one rendered outbound notification.
type Message struct {
	Title string
	Body  string
}

// Channel delivers a rendered message. Send errors carry the
// transient/permanent classification from internal/resilience so the
// dispatcher can decide between backoff and dead letter.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Render builds the outbound message for one evaluation and its alert.
func Render(alert storage.TradeAlert, eval storage.Evaluation) Message {
	title := fmt.Sprintf("[%s] %s %s — %s (%.0f)",
		strings.ToUpper(alert.Ticker),
		alert.Strategy,
		alert.Action,
		eval.Recommendation,
		eval.ConsensusScore,
	)

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("Ticker: %s\n", alert.Ticker))
	builder.WriteString(fmt.Sprintf("Strategy: %s %s\n", alert.Strategy, alert.Action))
	builder.WriteString(fmt.Sprintf("Entry: %s\n", formatDecimal(alert.EntryPrice)))
	if alert.Strike != nil {
		builder.WriteString(fmt.Sprintf("Strike: %s\n", formatDecimal(*alert.Strike)))
	}
	if alert.Expiration != nil {
		builder.WriteString(fmt.Sprintf("Expiration: %s\n", alert.Expiration.UTC().Format("2006-01-02")))
	}
	builder.WriteString(fmt.Sprintf("Consensus: %.1f (%d providers, stddev %.1f)\n",
		eval.ConsensusScore, eval.ProvidersUsed, eval.ScoreStdDev))
	builder.WriteString(fmt.Sprintf("Recommendation: %s\n", eval.Recommendation))
	builder.WriteString(fmt.Sprintf("Key risk: %s\n", eval.KeyRisk))
	if eval.Reasoning != "" {
		builder.WriteString(fmt.Sprintf("Reasoning: %s\n", eval.Reasoning))
	}
	builder.WriteString(fmt.Sprintf("Evaluated: %s UTC\n", eval.EvaluatedAt.UTC().Format(time.RFC3339)))

	return Message{Title: title, Body: builder.String()}
}

func formatDecimal(d decimal.Decimal) string {
	return d.StringFixed(2)
}
