// Package tools executes function calls requested by the realtime AI against
// the knowledge store.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowpbx/callbridge/internal/knowledge"
	"github.com/flowpbx/callbridge/internal/profiles"
)

var tracer = otel.Tracer("github.com/flowpbx/callbridge/internal/tools")

// Apology is the tool result returned when the lookup itself failed, so the
// AI still has something to say to the caller.
const Apology = "Sorry, I couldn't find the information you're looking for. Please try again."

const (
	// DefaultThreshold is the minimum similarity a passage needs to be used.
	DefaultThreshold = 0.5
	// DefaultCollection is the knowledge collection queried when a tool has
	// no collection of its own.
	DefaultCollection = "tenant-a"
)

var (
	// ErrUnknownTool is returned for a function name outside the scope.
	ErrUnknownTool = errors.New("tools: unknown tool")
	// ErrMalformedArguments is returned when the arguments payload is not a
	// JSON object with a non-empty user_query string.
	ErrMalformedArguments = errors.New("tools: malformed tool arguments")
	// ErrToolInvocationFailed wraps retrieval errors in logs. Invoke never
	// returns it; the caller gets Apology instead.
	ErrToolInvocationFailed = errors.New("tools: tool invocation failed")
)

type queryArguments struct {
	UserQuery *string `json:"user_query"`
}

// ParseQuery extracts the user_query field from a function call's
// arguments.
func ParseQuery(arguments string) (string, error) {
	var args queryArguments
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedArguments, err)
	}
	if args.UserQuery == nil || strings.TrimSpace(*args.UserQuery) == "" {
		return "", fmt.Errorf("%w: missing user_query", ErrMalformedArguments)
	}
	return *args.UserQuery, nil
}

// Config configures a Gateway.
type Config struct {
	// Threshold is the minimum passage score kept. Zero uses DefaultThreshold.
	Threshold float64
	// DefaultCollection is used for tools declared without a collection.
	DefaultCollection string
}

// Tool routes one function name to a knowledge collection.
type Tool struct {
	Name string
	// Collection is queried for the tool. Empty uses the gateway default.
	Collection string
	// Validate, when set, checks the raw arguments before the query is
	// extracted.
	Validate func(arguments string) error
}

// FromProfile returns the tool routes declared by one caller profile.
func FromProfile(p profiles.Profile) []Tool {
	out := make([]Tool, 0, len(p.Tools))
	for _, t := range p.Tools {
		tool := Tool{Name: t.Name, Collection: t.Collection}
		if t.HasSchema() {
			tool.Validate = t.ValidateArguments
		}
		out = append(out, tool)
	}
	return out
}

// Gateway runs tool calls against a knowledge retriever. It is safe for
// concurrent use. Tools are invoked through a Scope so that each call only
// reaches the collections its own profile declared.
type Gateway struct {
	retriever         knowledge.Retriever
	threshold         float64
	defaultCollection string
	logger            *slog.Logger

	invocations atomic.Uint64
	failures    atomic.Uint64
}

// NewGateway creates a gateway.
func NewGateway(retriever knowledge.Retriever, cfg Config, logger *slog.Logger) *Gateway {
	if retriever == nil {
		retriever = knowledge.Disabled{}
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.DefaultCollection == "" {
		cfg.DefaultCollection = DefaultCollection
	}
	return &Gateway{
		retriever:         retriever,
		threshold:         cfg.Threshold,
		defaultCollection: cfg.DefaultCollection,
		logger:            logger.With("subsystem", "tools"),
	}
}

// Scope is the set of tools one conversation may call. It implements the
// realtime session's tool invoker.
type Scope struct {
	g     *Gateway
	tools map[string]Tool
}

// Scope returns an invoker limited to tools. A later declaration of the same
// name replaces an earlier one.
func (g *Gateway) Scope(tools []Tool) *Scope {
	sc := &Scope{g: g, tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t.Collection == "" {
			t.Collection = g.defaultCollection
		}
		sc.tools[t.Name] = t
	}
	return sc
}

// Has reports whether name is callable in this scope.
func (sc *Scope) Has(name string) bool {
	_, ok := sc.tools[name]
	return ok
}

// Invoke runs one tool call. Passages scoring below the threshold are
// dropped and the rest are joined with newlines in the order returned. A
// retrieval failure yields Apology with a nil error.
func (sc *Scope) Invoke(ctx context.Context, name, arguments string) (result string, err error) {
	g := sc.g
	g.invocations.Add(1)

	ctx, span := tracer.Start(ctx, "tools.invoke", trace.WithAttributes(attribute.String("tool.name", name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tool, ok := sc.tools[name]
	if !ok {
		g.failures.Add(1)
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	span.SetAttributes(attribute.String("knowledge.collection", tool.Collection))

	if tool.Validate != nil {
		if verr := tool.Validate(arguments); verr != nil {
			g.failures.Add(1)
			return "", fmt.Errorf("%w: %v", ErrMalformedArguments, verr)
		}
	}
	query, err := ParseQuery(arguments)
	if err != nil {
		g.failures.Add(1)
		return "", err
	}

	g.logger.Info("invoking tool", "tool", name, "collection", tool.Collection, "query", query)

	passages, qerr := g.retriever.Query(ctx, tool.Collection, query)
	if qerr != nil {
		g.failures.Add(1)
		span.AddEvent("apology substituted", trace.WithAttributes(attribute.String("error", qerr.Error())))
		g.logger.Error("knowledge lookup failed",
			"tool", name,
			"collection", tool.Collection,
			"error", fmt.Errorf("%w: %w", ErrToolInvocationFailed, qerr),
		)
		return Apology, nil
	}

	result = g.join(passages)
	span.SetAttributes(attribute.Int("knowledge.passages", len(passages)))
	g.logger.Debug("tool result",
		"tool", name,
		"passages", len(passages),
		"result_bytes", len(result),
	)
	return result, nil
}

func (g *Gateway) join(passages []knowledge.Passage) string {
	kept := make([]string, 0, len(passages))
	for _, p := range passages {
		if p.Score < g.threshold {
			continue
		}
		kept = append(kept, p.Content)
	}
	return strings.Join(kept, "\n")
}

// Invocations returns the number of Invoke calls.
func (g *Gateway) Invocations() uint64 {
	return g.invocations.Load()
}

// Failures returns the number of Invoke calls that did not produce a
// retrieval-backed result.
func (g *Gateway) Failures() uint64 {
	return g.failures.Load()
}
