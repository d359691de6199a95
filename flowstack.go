// Package flowstack is a meta-module that re-exports the main entry
// points of the engine. Most programs should import only the packages
// they need:
//   - github.com/flowstack-io/flowstack/orchestration - the flow engine
//   - github.com/flowstack-io/flowstack/storage - flow and execution models
//   - github.com/flowstack-io/flowstack/ai - provider clients
//   - github.com/flowstack-io/flowstack/telemetry - tracing helpers
package flowstack

import (
	"github.com/flowstack-io/flowstack/ai"
	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/events"
	"github.com/flowstack-io/flowstack/orchestration"
	"github.com/flowstack-io/flowstack/storage"
)

// Engine types.
type (
	Engine      = orchestration.Engine
	Option      = orchestration.Option
	ExecContext = orchestration.ExecContext
	Executor    = orchestration.Executor
)

// Model types.
type (
	Flow           = storage.Flow
	Node           = storage.Node
	Edge           = storage.Edge
	Block          = storage.Block
	Connection     = storage.Connection
	Execution      = storage.Execution
	BlockExecution = storage.BlockExecution
	Store          = storage.Store
)

// Configuration and error types.
type (
	Config    = core.Config
	Logger    = core.Logger
	FlowError = core.FlowError
	ErrorKind = core.ErrorKind
)

// Event types.
type (
	EventRecord = events.EventRecord
	EventKind   = events.EventKind
)

// AI client types.
type (
	AIClient   = ai.Client
	AIOptions  = ai.Options
	AIResponse = ai.Response
	TokenUsage = ai.TokenUsage
)

// Node kinds.
const (
	NodeAI       = storage.NodeAI
	NodeFunction = storage.NodeFunction
	NodeRouter   = storage.NodeRouter
	NodeParallel = storage.NodeParallel
	NodeLoop     = storage.NodeLoop
	NodeSource   = storage.NodeSource
	NodeSink     = storage.NodeSink
)

// Execution statuses.
const (
	StatusPending   = storage.StatusPending
	StatusRunning   = storage.StatusRunning
	StatusCompleted = storage.StatusCompleted
	StatusFailed    = storage.StatusFailed
	StatusCancelled = storage.StatusCancelled
	StatusSkipped   = storage.StatusSkipped
)

// Constructors and options.
var (
	NewEngine       = orchestration.NewEngine
	WithConfig      = orchestration.WithConfig
	WithLogger      = orchestration.WithLogger
	WithClients     = orchestration.WithClients
	WithBreakers    = orchestration.WithBreakers
	WithSandbox     = orchestration.WithSandbox
	WithRowInserter = orchestration.WithRowInserter
	WithNotifier    = orchestration.WithNotifier

	DefaultConfig = core.DefaultConfig
	ParseFlowJSON = storage.ParseFlowJSON
	ParseFlowYAML = storage.ParseFlowYAML
)
