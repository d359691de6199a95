package orchestration

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/storage"
	"github.com/flowstack-io/flowstack/telemetry"
)

// signatureHeader carries the hex HMAC-SHA256 of the webhook body when a
// signing secret is configured.
const signatureHeader = "X-Flowstack-Signature"

// RowInserter persists one row into a named table. The postgres store
// implements it; the database sink rejects identifiers the inserter
// would not accept.
type RowInserter interface {
	InsertRow(ctx context.Context, table string, values map[string]interface{}) error
}

// Notification is the structured record a notification sink delivers.
type Notification struct {
	ExecutionID string                 `json:"executionId"`
	NodeID      string                 `json:"nodeId"`
	Title       string                 `json:"title,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Level       string                 `json:"level,omitempty"`
	Data        interface{}            `json:"data,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// Notifier delivers notification-sink records.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the engine log. It is the default
// when no notification service is wired.
type LogNotifier struct {
	Logger core.Logger
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	logger.Info("Flow notification", map[string]interface{}{
		"operation":    "sink_notification",
		"execution_id": n.ExecutionID,
		"node_id":      n.NodeID,
		"title":        n.Title,
		"message":      n.Message,
		"level":        n.Level,
	})
	return nil
}

// SinkExecutor terminates a branch of the graph. The sink type selects
// the delivery: output (default), webhook, database, or notification.
type SinkExecutor struct {
	httpClient     *http.Client
	webhookTimeout time.Duration
	inserter       RowInserter
	notifier       Notifier
	logger         core.Logger

	// lookupIP is swappable for tests, which also flip
	// allowPrivateHosts to reach a local test server.
	lookupIP          func(ctx context.Context, host string) ([]net.IP, error)
	allowPrivateHosts bool
}

// NewSinkExecutor builds a sink executor. inserter and notifier may be
// nil; the matching sink types then fail with a configuration error or
// fall back to the log notifier.
func NewSinkExecutor(cfg core.TimeoutConfig, inserter RowInserter, notifier Notifier, logger core.Logger) *SinkExecutor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}
	timeout := cfg.Webhook
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SinkExecutor{
		httpClient:     &http.Client{Timeout: timeout},
		webhookTimeout: timeout,
		inserter:       inserter,
		notifier:       notifier,
		logger:         logger,
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		},
	}
}

func (e *SinkExecutor) Kind() storage.NodeKind { return storage.NodeSink }

func (e *SinkExecutor) Execute(ctx context.Context, node *storage.Node, input interface{}, ec *ExecContext) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelledError(err)
	}
	sinkType := stringField(node.Data, "sinkType")
	if sinkType == "" {
		sinkType = "output"
	}
	switch sinkType {
	case "output":
		return e.output(input), nil
	case "webhook":
		return e.webhook(ctx, node, input)
	case "database":
		return e.database(ctx, node, input)
	case "notification":
		return e.notification(ctx, node, input, ec)
	default:
		return nil, core.NewValidationError(
			fmt.Sprintf("unknown sink type %q", sinkType),
			core.FieldIssue{Field: "sinkType", Message: "must be output, webhook, database, or notification"})
	}
}

// output returns the input verbatim, stamping a completion time when the
// value is an object.
func (e *SinkExecutor) output(input interface{}) interface{} {
	asMap, ok := input.(map[string]interface{})
	if !ok {
		return input
	}
	out := make(map[string]interface{}, len(asMap)+1)
	for k, v := range asMap {
		out[k] = v
	}
	out["completedAt"] = time.Now().UTC().UnixMilli()
	return out
}

func (e *SinkExecutor) webhook(ctx context.Context, node *storage.Node, input interface{}) (interface{}, error) {
	rawURL := stringField(node.Data, "url")
	if rawURL == "" {
		return nil, core.NewValidationError("webhook sink has no url",
			core.FieldIssue{Field: "url", Message: "url is required"})
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Hostname() == "" {
		return nil, core.NewValidationError("webhook url must be absolute http or https",
			core.FieldIssue{Field: "url", Message: "invalid url"})
	}
	if err := e.checkHost(ctx, parsed.Hostname()); err != nil {
		return nil, err
	}

	body, err := json.Marshal(input)
	if err != nil {
		return nil, core.WrapError(core.KindInvalidOutput, "encoding webhook payload", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, core.WrapError(core.KindNetworkError, "building webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	telemetry.InjectHTTP(ctx, req.Header)
	if secret := stringField(node.Data, "secret"); secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		req.Header.Set(signatureHeader, hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelledError(ctx.Err())
		}
		return nil, core.WrapError(core.KindNetworkError, "delivering webhook", err)
	}
	defer resp.Body.Close()

	delivered := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !delivered {
		e.logger.Warn("Webhook delivery rejected", map[string]interface{}{
			"operation":   "sink_webhook",
			"node_id":     node.ID,
			"status_code": resp.StatusCode,
		})
	}
	return map[string]interface{}{
		"delivered":  delivered,
		"statusCode": resp.StatusCode,
	}, nil
}

// checkHost rejects destinations that resolve to private, loopback, or
// link-local addresses, and well-known cloud metadata hostnames.
func (e *SinkExecutor) checkHost(ctx context.Context, host string) error {
	if e.allowPrivateHosts {
		return nil
	}
	lowered := strings.ToLower(host)
	if lowered == "localhost" || strings.HasSuffix(lowered, ".internal") || lowered == "metadata.google.internal" {
		return core.NewValidationError("webhook url targets an internal host",
			core.FieldIssue{Field: "url", Message: "internal hosts are not allowed"})
	}
	ips := []net.IP{}
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	} else {
		resolved, err := e.lookupIP(ctx, host)
		if err != nil {
			return core.WrapError(core.KindNetworkError, "resolving webhook host", err)
		}
		ips = resolved
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return core.NewValidationError("webhook url targets a private address",
				core.FieldIssue{Field: "url", Message: "private and internal addresses are not allowed"})
		}
	}
	return nil
}

func (e *SinkExecutor) database(ctx context.Context, node *storage.Node, input interface{}) (interface{}, error) {
	if e.inserter == nil {
		return nil, core.NewError(core.KindExecutionFailed, "database sink requires a configured database")
	}
	table := stringField(node.Data, "table")
	if table == "" {
		return nil, core.NewValidationError("database sink has no table",
			core.FieldIssue{Field: "table", Message: "table is required"})
	}
	row, ok := input.(map[string]interface{})
	if !ok {
		return nil, core.NewError(core.KindInvalidInput, "database sink input must be an object")
	}
	if err := e.inserter.InsertRow(ctx, table, row); err != nil {
		return nil, err
	}
	return map[string]interface{}{"inserted": true, "table": table}, nil
}

func (e *SinkExecutor) notification(ctx context.Context, node *storage.Node, input interface{}, ec *ExecContext) (interface{}, error) {
	n := Notification{
		ExecutionID: ec.ExecutionID,
		NodeID:      node.ID,
		Title:       stringField(node.Data, "title"),
		Message:     stringField(node.Data, "message"),
		Level:       stringField(node.Data, "level"),
		Data:        input,
	}
	if n.Level == "" {
		n.Level = "info"
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		return nil, core.WrapError(core.KindExecutionFailed, "delivering notification", err)
	}
	return map[string]interface{}{"notified": true}, nil
}
