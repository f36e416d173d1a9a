package observer

import (
	"context"

	relay "github.com/nevindra/relay"

	"go.opentelemetry.io/otel/metric"
)

// ObservedAuditor is a relay.Auditor that mirrors the audit trail into
// OTEL metrics. Chain it behind the persistent auditor with
// relay.MultiAuditor.
type ObservedAuditor struct {
	inst *Instruments
}

// NewAuditor returns an auditor that counts audit events by action and
// outcome.
func NewAuditor(inst *Instruments) *ObservedAuditor {
	return &ObservedAuditor{inst: inst}
}

func (a *ObservedAuditor) Record(ctx context.Context, e relay.AuditEntry) {
	a.inst.AuditEvents.Add(ctx, 1, metric.WithAttributes(
		AttrAuditActor.String(e.Actor),
		AttrAuditAction.String(e.Action),
		AttrAuditOutcome.String(e.Outcome),
	))
	switch e.Action {
	case relay.AuditSkillInvoke:
		a.inst.SkillInvocations.Add(ctx, 1, metric.WithAttributes(
			AttrAuditActor.String(e.Actor),
			AttrAuditOutcome.String(e.Outcome),
		))
		if e.DurationMS > 0 {
			a.inst.SkillDuration.Record(ctx, float64(e.DurationMS), metric.WithAttributes(
				AttrAuditActor.String(e.Actor),
			))
		}
	case relay.AuditConfirmResolve:
		a.inst.Confirmations.Add(ctx, 1, metric.WithAttributes(
			AttrOutcome.String(e.Outcome),
		))
	}
}

var _ relay.Auditor = (*ObservedAuditor)(nil)
