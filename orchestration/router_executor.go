package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowstack-io/flowstack/ai"
	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/resilience"
	"github.com/flowstack-io/flowstack/storage"
)

// RouterExecutor selects one downstream branch. The route key comes from
// a field of the input or from a classifier model call; the driver uses
// the returned target to gate traversal, skipping unselected branches.
type RouterExecutor struct {
	blocks   storage.BlockStore
	clients  *ai.Registry
	breakers *resilience.Registry
	retry    resilience.RetryPolicy
	logger   core.Logger
}

// NewRouterExecutor wires the router executor.
func NewRouterExecutor(blocks storage.BlockStore, clients *ai.Registry, breakers *resilience.Registry, retry resilience.RetryPolicy, logger core.Logger) *RouterExecutor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	retry.Logger = logger
	return &RouterExecutor{blocks: blocks, clients: clients, breakers: breakers, retry: retry, logger: logger}
}

func (e *RouterExecutor) Kind() storage.NodeKind { return storage.NodeRouter }

func (e *RouterExecutor) Execute(ctx context.Context, node *storage.Node, input interface{}, ec *ExecContext) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelledError(err)
	}

	routes := stringMapField(node.Data, "routes")
	if len(routes) == 0 {
		return nil, core.NewValidationError("router node has no routes",
			core.FieldIssue{Field: "routes", Message: "a route map is required"})
	}

	key, err := e.routeKey(ctx, node, input)
	if err != nil {
		return nil, err
	}

	target, ok := routes[key]
	if !ok {
		target = stringField(node.Data, "defaultRoute")
	}
	if target == "" {
		return nil, core.NewError(core.KindExecutionFailed,
			fmt.Sprintf("no route for key %q and no default route", key))
	}

	e.logger.Debug("Route selected", map[string]interface{}{
		"operation": "router_decision",
		"node_id":   node.ID,
		"route_key": key,
		"target":    target,
	})
	return map[string]interface{}{
		"routeKey":     key,
		"targetNodeId": target,
		"input":        input,
	}, nil
}

func (e *RouterExecutor) routeKey(ctx context.Context, node *storage.Node, input interface{}) (string, error) {
	if field := stringField(node.Data, "routeField"); field != "" {
		v, ok := core.GetNestedValue(input, field)
		if !ok {
			return "", nil
		}
		return routeKeyString(v), nil
	}
	return e.classify(ctx, node, input)
}

// classify asks a model for the route key.
func (e *RouterExecutor) classify(ctx context.Context, node *storage.Node, input interface{}) (string, error) {
	prompt := stringField(node.Data, "prompt")
	connectionID := stringField(node.Data, "connectionId")
	model := stringField(node.Data, "model")
	if blockID := stringField(node.Data, "blockId"); blockID != "" {
		block, err := e.blocks.GetBlock(ctx, blockID)
		if err != nil {
			return "", core.WrapError(core.KindResourceNotFound, "loading router block "+blockID, err)
		}
		if prompt == "" {
			prompt = block.Prompt
		}
		if connectionID == "" {
			connectionID = block.ConnectionID
		}
		if model == "" {
			model = block.Model
		}
	}
	if prompt == "" || connectionID == "" {
		return "", core.NewValidationError("router node has neither a routeField nor a classifier",
			core.FieldIssue{Field: "routeField", Message: "set routeField or a classifier prompt and connection"})
	}

	conn, err := e.blocks.GetConnection(ctx, connectionID)
	if err != nil {
		return "", core.WrapError(core.KindResourceNotFound, "loading connection "+connectionID, err)
	}
	client, err := e.clients.Create(conn, e.logger)
	if err != nil {
		return "", err
	}

	breaker := e.breakers.Get("provider:" + client.Provider())
	resp, err := generateWithResilience(ctx, client, RenderPrompt(prompt, input), &ai.Options{Model: model}, breaker, e.retry, 0, nil)
	if err != nil {
		return "", core.Adapt(err).WithNode(node.ID)
	}
	return extractRouteKey(resp.Content), nil
}

// extractRouteKey normalizes a classifier response: a JSON object is read
// through route, category, then class; anything else is the trimmed text.
func extractRouteKey(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") {
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			for _, key := range []string{"route", "category", "class"} {
				if v, ok := parsed[key]; ok {
					return routeKeyString(v)
				}
			}
		}
	}
	return strings.Trim(trimmed, `"`)
}

func routeKeyString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	case bool:
		return fmt.Sprintf("%t", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
