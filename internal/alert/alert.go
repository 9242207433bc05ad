// Package alert materializes change events and staleness sweeps into
// durable alert records, and dispatches them to a webhook. Records are
// keyed for idempotency so re-running a job never double-notifies.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/impact"
	"github.com/sells-group/tariff-cli/internal/model"
)

// Store is the slice of the store the emitter needs.
type Store interface {
	InsertAlert(ctx context.Context, alert *model.AlertRecord) (bool, error)
	MarkAlertDispatched(ctx context.Context, id string) error
	ListUndispatchedAlerts(ctx context.Context) ([]model.AlertRecord, error)
}

// Transport delivers a persisted alert to the outside world.
type Transport interface {
	Send(ctx context.Context, alert *model.AlertRecord) error
}

// RateChangePayload is the JSON body of a RATE_CHANGE alert.
type RateChangePayload struct {
	Subject            string              `json:"subject"`
	HSCode             string              `json:"hs_code"`
	PolicyType         model.PolicyType    `json:"policy_type"`
	OldRate            float64             `json:"old_rate"`
	NewRate            float64             `json:"new_rate"`
	DeltaPercent       float64             `json:"delta_percent"`
	DetectedAt         time.Time           `json:"detected_at"`
	Source             model.RateSource    `json:"triggering_source"`
	TotalImpactUSD     float64             `json:"total_impact_usd"`
	Severity           model.Severity      `json:"severity"`
	Assessments        []impact.Assessment `json:"assessments,omitempty"`
	RecommendedActions []string            `json:"recommended_actions"`
}

// StalePayload is the JSON body of a STALE_RATE alert. One alert covers a
// whole policy's sweep batch.
type StalePayload struct {
	Subject            string           `json:"subject"`
	PolicyType         model.PolicyType `json:"policy_type"`
	HSCodes            []string         `json:"hs_codes"`
	Reason             string           `json:"reason"`
	AsOf               time.Time        `json:"as_of"`
	RecommendedActions []string         `json:"recommended_actions"`
}

// BuildRateChangePayload assembles the notification body for a change
// event: subject line, before/after rates, per-component assessments, and
// follow-up actions scaled to the batch severity.
func BuildRateChangePayload(event *model.ChangeEvent, batch impact.Batch) RateChangePayload {
	return RateChangePayload{
		Subject: fmt.Sprintf("[%s] %s rate change for %s: %.2f%% -> %.2f%%",
			batch.Severity, event.PolicyType, event.HSCode, event.OldRate, event.NewRate),
		HSCode:             event.HSCode,
		PolicyType:         event.PolicyType,
		OldRate:            event.OldRate,
		NewRate:            event.NewRate,
		DeltaPercent:       event.DeltaPercent,
		DetectedAt:         event.DetectedAt,
		Source:             event.TriggeringSource,
		TotalImpactUSD:     batch.TotalImpactUSD,
		Severity:           batch.Severity,
		Assessments:        batch.Assessments,
		RecommendedActions: rateChangeActions(batch.Severity),
	}
}

// BuildStalePayload assembles the notification body for a policy's sweep
// batch.
func BuildStalePayload(policy model.PolicyType, codes []string, asOf time.Time) StalePayload {
	return StalePayload{
		Subject:    fmt.Sprintf("[%s] %d stale %s rates", model.SeverityMedium, len(codes), policy),
		PolicyType: policy,
		HSCodes:    codes,
		Reason:     "ttl expired",
		AsOf:       asOf,
		RecommendedActions: []string{
			"re-resolve the listed HS codes to refresh cached rates",
			"check registry sync health if staleness persists",
		},
	}
}

func rateChangeActions(sev model.Severity) []string {
	switch sev {
	case model.SeverityCritical:
		return []string{
			"re-quote landed costs for affected orders immediately",
			"verify the new rate against the official tariff schedule",
			"notify procurement of the margin impact",
		}
	case model.SeverityHigh:
		return []string{
			"verify the new rate against the official tariff schedule",
			"review open orders under the affected HS code",
		}
	default:
		return []string{"monitor; no immediate action required"}
	}
}

// Emitter persists and dispatches alerts.
type Emitter struct {
	store     Store
	transport Transport // nil disables dispatch
}

// NewEmitter creates an emitter. transport may be nil, in which case alerts
// are persisted but left undispatched.
func NewEmitter(s Store, t Transport) *Emitter {
	return &Emitter{store: s, transport: t}
}

// EmitRateChange records a RATE_CHANGE alert for one change event. The
// record carries the batch severity, classified over the summed impact of
// every affected component. Alerts are keyed by code, policy, and detection
// date, so repeated detections of the same change on one day collapse into
// a single record.
func (e *Emitter) EmitRateChange(ctx context.Context, event *model.ChangeEvent, batch impact.Batch) (bool, error) {
	if batch.Severity == "" {
		batch.Severity = model.SeverityMedium
	}
	payload, err := json.Marshal(BuildRateChangePayload(event, batch))
	if err != nil {
		return false, eris.Wrap(err, "alert: marshal rate change payload")
	}

	rec := &model.AlertRecord{
		Type:          model.AlertRateChange,
		AffectedCodes: []string{event.HSCode},
		Severity:      batch.Severity,
		IdempotencyKey: fmt.Sprintf("change:%s:%s:%s",
			event.HSCode, event.PolicyType, event.DetectedAt.UTC().Format("2006-01-02")),
		Payload: payload,
	}
	return e.emit(ctx, rec)
}

// EmitStaleBatch records one STALE_RATE alert for a policy's sweep batch,
// keyed by policy and sweep date. Returns false when today's sweep already
// alerted for this policy.
func (e *Emitter) EmitStaleBatch(ctx context.Context, policy model.PolicyType, codes []string, asOf time.Time) (bool, error) {
	if len(codes) == 0 {
		return false, nil
	}

	payload, err := json.Marshal(BuildStalePayload(policy, codes, asOf))
	if err != nil {
		return false, eris.Wrap(err, "alert: marshal stale payload")
	}

	rec := &model.AlertRecord{
		Type:          model.AlertStaleRate,
		AffectedCodes: codes,
		Severity:      model.SeverityMedium,
		IdempotencyKey: fmt.Sprintf("stale:%s:%s",
			policy, asOf.UTC().Format("2006-01-02")),
		Payload: payload,
	}
	return e.emit(ctx, rec)
}

// DispatchPending sends every undispatched alert. Returns the number sent.
// Delivery failures leave records undispatched for the next run.
func (e *Emitter) DispatchPending(ctx context.Context) (int, error) {
	if e.transport == nil {
		return 0, nil
	}

	pending, err := e.store.ListUndispatchedAlerts(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range pending {
		rec := &pending[i]
		if err := e.dispatch(ctx, rec); err != nil {
			zap.L().Error("alert: dispatch failed",
				zap.String("id", rec.ID),
				zap.String("type", string(rec.Type)),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

func (e *Emitter) emit(ctx context.Context, rec *model.AlertRecord) (bool, error) {
	inserted, err := e.store.InsertAlert(ctx, rec)
	if err != nil {
		return false, err
	}
	if !inserted {
		zap.L().Debug("alert: already recorded",
			zap.String("key", rec.IdempotencyKey))
		return false, nil
	}

	if e.transport != nil {
		// Best effort: a failed send stays queued for DispatchPending.
		if err := e.dispatch(ctx, rec); err != nil {
			zap.L().Warn("alert: immediate dispatch failed, left pending",
				zap.String("key", rec.IdempotencyKey),
				zap.Error(err))
		}
	}
	return true, nil
}

func (e *Emitter) dispatch(ctx context.Context, rec *model.AlertRecord) error {
	if err := e.transport.Send(ctx, rec); err != nil {
		return err
	}
	if err := e.store.MarkAlertDispatched(ctx, rec.ID); err != nil {
		return err
	}
	zap.L().Info("alert sent",
		zap.String("type", string(rec.Type)),
		zap.String("severity", string(rec.Severity)),
		zap.Strings("hs_codes", rec.AffectedCodes))
	return nil
}
