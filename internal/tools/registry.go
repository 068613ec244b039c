// Package tools is the single dispatch path for contractor-facing actions.
// The AI assistant, the worker pool and the goal engine all call Invoke, which
// validates input, consults the guard for mutating tools, executes, and
// appends an audit record.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/engagement"
	"github.com/mohammad-safakhou/outreach/internal/fault"
	"github.com/mohammad-safakhou/outreach/internal/guard"
)

// Input and Output are the JSON-shaped arguments and results of a tool.
type (
	Input  map[string]any
	Output map[string]any
)

// Spec is the static description of a tool.
type Spec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Schema is a JSON Schema document for Input.
	Schema      string `json:"schema"`
	Mutating    bool   `json:"mutating"`
	ActionClass string `json:"action_class,omitempty"`
	// Proactive marks tools whose calls from system callers are subject to
	// the proactive safeguards.
	Proactive bool `json:"proactive"`
}

// Invocation is what a tool receives after validation and guard approval.
type Invocation struct {
	Input  Input
	Caller engagement.CallerKind
}

// Tool is a registered action.
type Tool interface {
	Spec() Spec
	Execute(ctx context.Context, inv Invocation) (Output, error)
}

// Targeter is implemented by tools whose duplicate check keys on a target.
type Targeter interface {
	Target(in Input) string
}

// Contenter is implemented by tools that carry outbound text.
type Contenter interface {
	Content(in Input) string
}

// Guard is the decision dependency of the registry.
type Guard interface {
	Evaluate(ctx context.Context, req guard.Request) (guard.Decision, error)
}

// ContentDenial is returned by a tool whose outbound text is produced during
// execution and then fails the content policy. The registry records it as a
// denial, so it spends no rate slot.
type ContentDenial struct {
	Decision guard.Decision
}

func (d *ContentDenial) Error() string {
	return fmt.Sprintf("%s denied generated text: %s", d.Decision.PolicyID, d.Decision.Reason)
}

// Result is returned to every caller, including on failure.
type Result struct {
	Success   bool            `json:"success"`
	Output    Output          `json:"output,omitempty"`
	ErrorKind fault.Kind      `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Decision  *guard.Decision `json:"decision,omitempty"`
	Permanent bool            `json:"permanent,omitempty"`
}

// Err returns the failure as a fault error, or nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &fault.Error{Kind: r.ErrorKind, Op: "tools.invoke", Err: errors.New(r.Error), Permanent: r.Permanent}
}

type entry struct {
	tool   Tool
	spec   Spec
	schema *jsonschema.Schema
}

// Registry is the static tool table built at startup.
type Registry struct {
	guard  Guard
	audit  engagement.Auditor
	clock  clock.Clock
	logger *log.Logger
	tools  map[string]entry
}

// NewRegistry compiles every tool's schema and rejects duplicate names.
func NewRegistry(g Guard, audit engagement.Auditor, clk clock.Clock, tools ...Tool) (*Registry, error) {
	r := &Registry{
		guard:  g,
		audit:  audit,
		clock:  clk,
		logger: log.New(os.Stdout, "[TOOLS] ", log.LstdFlags),
		tools:  make(map[string]entry, len(tools)),
	}
	for _, t := range tools {
		spec := t.Spec()
		if strings.TrimSpace(spec.Name) == "" {
			return nil, fmt.Errorf("tool name must be provided")
		}
		if _, dup := r.tools[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", spec.Name)
		}
		if spec.Mutating && spec.ActionClass == "" {
			return nil, fmt.Errorf("tool %q is mutating but has no action class", spec.Name)
		}
		schema, err := compileSchema(spec.Name, spec.Schema)
		if err != nil {
			return nil, err
		}
		r.tools[spec.Name] = entry{tool: t, spec: spec, schema: schema}
	}
	initMetrics()
	return r, nil
}

// SetLogger overrides the default logger.
func (r *Registry) SetLogger(l *log.Logger) {
	if l != nil {
		r.logger = l
	}
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	if strings.TrimSpace(schema) == "" {
		schema = `{"type":"object"}`
	}
	res := name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(res, bytes.NewReader([]byte(schema))); err != nil {
		return nil, fmt.Errorf("tool %s: add schema resource: %w", name, err)
	}
	compiled, err := compiler.Compile(res)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	return compiled, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Specs lists registered tools by name.
func (r *Registry) Specs() []Spec {
	out := make([]Spec, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates, vets and executes a tool call. The audit record is
// written for every outcome.
func (r *Registry) Invoke(ctx context.Context, name string, input map[string]any, caller engagement.CallerKind) Result {
	rec := engagement.AuditRecord{
		ToolName: name,
		Caller:   caller,
		Input:    input,
		At:       r.clock.Now(),
	}
	if id, ok := input["contractor_id"].(string); ok {
		rec.ContractorID = id
	}
	res := r.invoke(ctx, name, Input(input), caller, &rec)
	rec.Success = res.Success
	rec.Output = res.Output
	rec.ErrorKind = string(res.ErrorKind)
	rec.Error = res.Error
	if err := r.audit.AppendAudit(ctx, rec); err != nil {
		r.logger.Printf("audit append failed tool=%s contractor=%s: %v", name, rec.ContractorID, err)
	}
	recordInvocation(ctx, name, res)
	return res
}

func (r *Registry) invoke(ctx context.Context, name string, in Input, caller engagement.CallerKind, rec *engagement.AuditRecord) Result {
	e, ok := r.tools[name]
	if !ok {
		return failure(fault.Newf(fault.InvalidInput, "tools.invoke", "unknown tool %q", name))
	}
	if err := validate(e.schema, in); err != nil {
		return failure(fault.Wrap(fault.InvalidInput, "tools.validate", err))
	}
	rec.ActionClass = e.spec.ActionClass

	var decision *guard.Decision
	if e.spec.Mutating {
		req := guard.Request{
			ActionClass:  e.spec.ActionClass,
			ContractorID: rec.ContractorID,
			Proactive:    e.spec.Proactive && caller.Proactive(),
		}
		if t, ok := e.tool.(Targeter); ok {
			req.Target = t.Target(in)
		}
		if c, ok := e.tool.(Contenter); ok {
			req.Content = c.Content(in)
		}
		rec.Target = req.Target
		d, err := r.guard.Evaluate(ctx, req)
		if err != nil {
			return failure(fault.Wrap(fault.TransientInfra, "tools.guard", err))
		}
		rec.Evaluated = true
		rec.Allowed = d.Allowed
		rec.Reason = d.Reason
		rec.PolicyID = d.PolicyID
		decision = &d
		if !d.Allowed {
			res := failure(fault.Newf(fault.GuardDenied, "tools.guard", "%s denied: %s", d.PolicyID, d.Reason))
			res.Decision = decision
			return res
		}
	}

	out, err := e.tool.Execute(ctx, Invocation{Input: in, Caller: caller})
	if err != nil {
		res := failure(classify(err))
		res.Decision = decision
		var late *ContentDenial
		if errors.As(err, &late) {
			d := late.Decision
			rec.Evaluated = true
			rec.Allowed = false
			rec.Reason = d.Reason
			rec.PolicyID = d.PolicyID
			res.Decision = &d
			r.logger.Printf("deny tool=%s contractor=%s policy=%s reason=%s after execution", name, rec.ContractorID, d.PolicyID, d.Reason)
		}
		return res
	}
	return Result{Success: true, Output: out, Decision: decision}
}

func validate(schema *jsonschema.Schema, in Input) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("input validation failed: %w", err)
	}
	return nil
}

func failure(err error) Result {
	return Result{ErrorKind: fault.KindOf(err), Error: err.Error(), Permanent: fault.IsPermanent(err)}
}

// classify maps store and domain errors to fault kinds.
func classify(err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	var illegal engagement.ErrIllegalTransition
	switch {
	case errors.Is(err, engagement.ErrNotFound),
		errors.Is(err, engagement.ErrGoalClosed),
		errors.As(err, &illegal):
		return fault.Wrap(fault.InvalidInput, "tools.execute", err)
	}
	return fault.Wrap(fault.TransientInfra, "tools.execute", err)
}

// decode copies validated input into a typed struct.
func decode(in Input, dst any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fault.Wrap(fault.InvalidInput, "tools.decode", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fault.Wrap(fault.InvalidInput, "tools.decode", err)
	}
	return nil
}

var (
	metricsOnce     sync.Once
	toolInvocations otelmetric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("outreach/tools")
		var err error
		toolInvocations, err = meter.Int64Counter("tool_invocations_total")
		if err != nil {
			log.Printf("warn: create tool_invocations_total counter failed: %v", err)
		}
	})
}

func recordInvocation(ctx context.Context, name string, res Result) {
	if toolInvocations == nil {
		return
	}
	outcome := "success"
	if !res.Success {
		outcome = string(res.ErrorKind)
	}
	toolInvocations.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("tool", name),
		attribute.String("outcome", outcome),
	))
}
