package orchestration

import (
	"context"

	"github.com/flowstack-io/flowstack/storage"
)

// SourceExecutor hands the flow input to the graph. For webhook and
// schedule triggers the trigger metadata rides along when the input is an
// object; a non-object input is passed through untouched.
type SourceExecutor struct{}

func (e *SourceExecutor) Kind() storage.NodeKind { return storage.NodeSource }

func (e *SourceExecutor) Execute(ctx context.Context, node *storage.Node, input interface{}, ec *ExecContext) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelledError(err)
	}

	out := ec.FlowInput
	if ec.Trigger.Kind == "" || ec.Trigger.Kind == storage.TriggerManual {
		return out, nil
	}

	asMap, ok := out.(map[string]interface{})
	if !ok {
		return out, nil
	}
	enriched := make(map[string]interface{}, len(asMap)+1)
	for k, v := range asMap {
		enriched[k] = v
	}
	trigger := map[string]interface{}{"kind": string(ec.Trigger.Kind)}
	if ec.Trigger.WebhookPath != "" {
		trigger["path"] = ec.Trigger.WebhookPath
	}
	if ec.Trigger.CronExpr != "" {
		trigger["cron"] = ec.Trigger.CronExpr
	}
	if ec.Trigger.ScheduledAt != nil {
		trigger["scheduledAt"] = ec.Trigger.ScheduledAt.UnixMilli()
	}
	enriched["trigger"] = trigger
	return enriched, nil
}
