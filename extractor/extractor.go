// Package extractor implements the LLM-gated structured extraction step:
// admission through the BudgetLedger, a strict schema contract with one
// repair retry, a failure taxonomy, and exponential backoff for transient
// provider failures.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sourcewatch/sourcewatch/budget"
	"github.com/sourcewatch/sourcewatch/domain"
	"github.com/sourcewatch/sourcewatch/llmclient"
	"github.com/sourcewatch/sourcewatch/metrics"
)

// Failure taxonomy, per §4.D / §7.
var (
	ErrBudgetExhausted     = errors.New("extractor: budget exhausted")
	ErrSchemaInvalid       = errors.New("extractor: schema invalid")
	ErrProviderUnavailable = llmclient.ErrProviderUnavailable
	ErrTimeout             = llmclient.ErrTimeout
)

const (
	defaultTimeout   = 45 * time.Second
	backoffBase      = 30 * time.Second
	backoffCap       = 30 * time.Minute
	backoffJitter    = 0.20
)

// Caller is the subset of llmclient.Client the Extractor needs.
type Caller interface {
	Extract(ctx context.Context, prompt string, repair bool) ([]llmclient.ExtractedEvent, error)
}

// Recorder persists that an LLM call happened, in the Store's durable
// call log.
type Recorder interface {
	RecordLLMCall(ctx context.Context, at time.Time) error
}

// Extractor gates LLM calls behind a budget.Ledger and converts validated
// model output into domain.Event records.
type Extractor struct {
	logger  zerolog.Logger
	client  Caller
	ledger  *budget.Ledger
	store   Recorder
	metrics *metrics.Metrics
	timeout time.Duration
}

// New creates an Extractor. m may be nil, in which case metrics are
// skipped entirely (used by tests that don't exercise the admin surface).
func New(logger zerolog.Logger, client Caller, ledger *budget.Ledger, store Recorder, m *metrics.Metrics) *Extractor {
	return &Extractor{
		logger:  logger.With().Str("component", "extractor").Logger(),
		client:  client,
		ledger:  ledger,
		store:   store,
		metrics: m,
		timeout: defaultTimeout,
	}
}

// Deferred is returned by Extract when the batch was not admitted and
// should be retried later rather than treated as a failure.
type Deferred struct {
	RetryAfter time.Duration
}

func (d *Deferred) Error() string {
	return fmt.Sprintf("extractor: deferred, retry after %s", d.RetryAfter)
}

// Extract runs a batch of normalized messages through the LLM, preserving
// input order in each event's message_refs. Budget exhaustion returns a
// *Deferred error, never a failure. SchemaInvalid triggers one repair
// retry; ProviderUnavailable and Timeout retry automatically with
// exponential backoff; a second SchemaInvalid failure is final.
func (e *Extractor) Extract(ctx context.Context, batch []domain.NormalizedMessage, batchID string) (events []domain.Event, err error) {
	if e.metrics != nil {
		defer func() {
			outcome := "success"
			var deferred *Deferred
			switch {
			case err == nil:
				e.metrics.EventsExtracted.Add(float64(len(events)))
			case errors.As(err, &deferred):
				outcome = "deferred"
			default:
				outcome = "failure"
			}
			e.metrics.ExtractionsTotal.WithLabelValues(outcome).Inc()
		}()
	}

	decision := e.ledger.Admit()
	if e.metrics != nil {
		hourly, minute := e.ledger.Remaining()
		e.metrics.BudgetRemaining.WithLabelValues("hourly").Set(float64(hourly))
		e.metrics.BudgetRemaining.WithLabelValues("minute").Set(float64(minute))
	}
	if !decision.Admitted {
		return nil, &Deferred{RetryAfter: decision.RetryAfter}
	}

	prompt := buildPrompt(batch)

	op := func() ([]llmclient.ExtractedEvent, error) {
		ctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		events, err := e.client.Extract(ctx, prompt, false)
		if err != nil && isSchemaErr(err) {
			// Schema-invalid output is not a transient failure; stop
			// retrying immediately and fall through to the repair path.
			return nil, backoff.Permanent(err)
		}
		return events, err
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(newExponentialBackoff()),
		backoff.WithMaxElapsedTime(backoffCap),
	)
	if err != nil {
		if errors.Is(err, ErrSchemaInvalid) || isSchemaErr(err) {
			return e.repairRetry(ctx, batch, prompt, batchID)
		}
		return nil, err
	}

	if err := e.store.RecordLLMCall(ctx, time.Now()); err != nil {
		e.logger.Error().Err(err).Msg("failed to durably record LLM call")
	}

	events, convErr := convert(result, batch, batchID)
	if convErr != nil {
		return e.repairRetry(ctx, batch, prompt, batchID)
	}
	return events, nil
}

func (e *Extractor) repairRetry(ctx context.Context, batch []domain.NormalizedMessage, prompt, batchID string) ([]domain.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, err := e.client.Extract(ctx, prompt, true)
	if err != nil {
		return nil, fmt.Errorf("%w: repair attempt failed: %v", ErrSchemaInvalid, err)
	}
	if err := e.store.RecordLLMCall(ctx, time.Now()); err != nil {
		e.logger.Error().Err(err).Msg("failed to durably record LLM call")
	}
	events, convErr := convert(result, batch, batchID)
	if convErr != nil {
		return nil, fmt.Errorf("%w: repair attempt still non-conforming: %v", ErrSchemaInvalid, convErr)
	}
	return events, nil
}

func isSchemaErr(err error) bool {
	return strings.Contains(err.Error(), "decode response")
}

func newExponentialBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffBase
	b.MaxInterval = backoffCap
	b.RandomizationFactor = backoffJitter
	return b
}

func buildPrompt(batch []domain.NormalizedMessage) string {
	var sb strings.Builder
	sb.WriteString("Extract structured event records from the following messages. ")
	sb.WriteString("Reply with a JSON array of objects {kind, location, entities, time_hint, summary, confidence_self, source_msg_indices}. ")
	sb.WriteString("kind must be one of strike, movement, casualty, claim, statement, other. ")
	sb.WriteString("source_msg_indices refers to the zero-based index of each message below.\n\n")
	for i, m := range batch {
		sb.WriteString(strconv.Itoa(i))
		sb.WriteString(": ")
		sb.WriteString(m.TextNorm)
		sb.WriteString("\n")
	}
	return sb.String()
}

// convert validates and converts raw model output into domain.Event,
// rejecting any event whose source_msg_indices fall outside the batch —
// that is the one class of "non-conforming output" convert itself can
// detect beyond what the response schema already enforces.
func convert(raw []llmclient.ExtractedEvent, batch []domain.NormalizedMessage, batchID string) ([]domain.Event, error) {
	events := make([]domain.Event, 0, len(raw))
	now := time.Now()

	for _, r := range raw {
		refs := make([]domain.MessageRef, 0, len(r.SourceMsgIndices))
		for _, idx := range r.SourceMsgIndices {
			if idx < 0 || idx >= len(batch) {
				return nil, fmt.Errorf("%w: source_msg_indices out of range: %d", ErrSchemaInvalid, idx)
			}
			m := batch[idx]
			refs = append(refs, domain.MessageRef{SourceID: m.SourceID, MessageID: m.MessageID, SourceClass: m.SourceClass})
		}
		if len(refs) == 0 {
			return nil, fmt.Errorf("%w: event with no source_msg_indices", ErrSchemaInvalid)
		}

		var timeHint *time.Time
		if r.TimeHint != "" {
			if parsed, err := time.Parse(time.RFC3339, r.TimeHint); err == nil {
				timeHint = &parsed
			}
		}

		events = append(events, domain.Event{
			EventID:        uuid.NewString(),
			MessageRefs:    refs,
			Kind:           domain.EventKind(r.Kind),
			Location:       r.Location,
			Entities:       r.Entities,
			TimeHint:       timeHint,
			Summary:        r.Summary,
			ConfidenceSelf: r.ConfidenceSelf,
			ExtractBatchID: batchID,
			CreatedAt:      now,
		})
	}
	return events, nil
}
