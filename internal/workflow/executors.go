package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/boternity/boternity/internal/errs"
	"github.com/boternity/boternity/internal/provider"
	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/workflow/expr"
)

// StepCall carries everything a StepExecutor needs to run one attempt of
// one step. Input is the step's config map after `{{ ... }}` template
// substitution against the run's current environment.
type StepCall struct {
	Run     storage.WorkflowRun
	Step    storage.StepDefinition
	Input   map[string]any
	Attempt int
}

// StepExecutor runs one leaf step type (agent, skill, code, http,
// sub_workflow) to completion and returns its JSON-able output. Conditional,
// loop, and approval steps are handled by the scheduler directly and never
// reach a StepExecutor.
type StepExecutor interface {
	Execute(ctx context.Context, call StepCall) (map[string]any, error)
}

// SkillInvoker is the boundary the sandbox package satisfies for `skill`
// steps. It is accepted as an optional dependency: a workflow definition
// that never uses a skill step works with it left nil.
type SkillInvoker interface {
	InvokeSkill(ctx context.Context, botID string, skillName string, input map[string]any) (map[string]any, error)
}

// agentExecutor runs an `agent` step: a single non-streaming completion call
// whose prompt is the step's rendered "prompt" config field.
type agentExecutor struct {
	provider provider.CompletionProvider
}

func (e agentExecutor) Execute(ctx context.Context, call StepCall) (map[string]any, error) {
	if e.provider == nil {
		return nil, errs.New(errs.Internal, "agent step: no completion provider configured")
	}
	prompt, _ := call.Input["prompt"].(string)
	if prompt == "" {
		return nil, errs.New(errs.InvalidArgument, "agent step requires a non-empty prompt")
	}
	model, _ := call.Input["model"].(string)

	resp, err := e.provider.Complete(ctx, &provider.Request{
		Model: model,
		Messages: []*provider.Message{
			{Role: provider.RoleUser, Parts: []provider.Part{provider.TextPart{Text: prompt}}},
		},
	})
	if err != nil {
		return nil, err
	}
	var text strings.Builder
	for _, m := range resp.Content {
		for _, p := range m.Parts {
			if tp, ok := p.(provider.TextPart); ok {
				text.WriteString(tp.Text)
			}
		}
	}
	return map[string]any{
		"text":          text.String(),
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"stop_reason":   resp.StopReason,
	}, nil
}

// skillExecutor dispatches to a SkillInvoker (the WASM sandbox boundary).
type skillExecutor struct {
	invoker SkillInvoker
}

func (e skillExecutor) Execute(ctx context.Context, call StepCall) (map[string]any, error) {
	if e.invoker == nil {
		return nil, errs.New(errs.Internal, "skill step: no skill invoker configured")
	}
	name, _ := call.Input["skill"].(string)
	if name == "" {
		return nil, errs.New(errs.InvalidArgument, "skill step requires a \"skill\" name")
	}
	botID, _ := call.Input["bot_id"].(string)
	return e.invoker.InvokeSkill(ctx, botID, name, call.Input)
}

// codeExecutor runs a `code` step: a pure expression evaluated against the
// step's environment (spec.md's sandboxed expression language is the only
// in-process scripting surface available to workflow steps).
type codeExecutor struct {
	eval *expr.Evaluator
}

func (e codeExecutor) Execute(ctx context.Context, call StepCall) (map[string]any, error) {
	source, _ := call.Input["expression"].(string)
	if source == "" {
		return nil, errs.New(errs.InvalidArgument, "code step requires a non-empty \"expression\"")
	}
	env, _ := call.Input["__env"].(expr.Env)
	result, err := e.eval.Eval(ctx, source, env)
	if err != nil {
		return nil, err
	}
	if m, ok := result.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": result}, nil
}

// httpExecutor performs a single HTTP call. The target URL/method/body come
// from the step's rendered config; responses are capped to avoid an
// unbounded read inside a workflow step.
type httpExecutor struct {
	client *http.Client
}

const httpMaxResponseBytes = 1 << 20 // 1 MiB

func (e httpExecutor) Execute(ctx context.Context, call StepCall) (map[string]any, error) {
	url, _ := call.Input["url"].(string)
	if url == "" {
		return nil, errs.New(errs.InvalidArgument, "http step requires a non-empty \"url\"")
	}
	method, _ := call.Input["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if b, ok := call.Input["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "invalid http step request", err)
	}
	if headers, ok := call.Input["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	client := e.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, "http step call failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, httpMaxResponseBytes))
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, "http step failed reading response", err)
	}

	out := map[string]any{"status_code": resp.StatusCode, "body": string(data)}
	var parsed any
	if json.Unmarshal(data, &parsed) == nil {
		out["json"] = parsed
	}
	if resp.StatusCode >= 400 {
		return out, errs.New(errs.Upstream, fmt.Sprintf("http step received status %d", resp.StatusCode))
	}
	return out, nil
}

// subWorkflowExecutor submits a nested workflow run and blocks until it
// reaches a terminal status, enforcing the recursion depth bound (spec.md
// §9 Open Question, resolved at 8 in SPEC_FULL.md §5.1).
type subWorkflowExecutor struct {
	service *Service
}

const maxSubWorkflowDepth = 8

func (e subWorkflowExecutor) Execute(ctx context.Context, call StepCall) (map[string]any, error) {
	name, _ := call.Input["workflow"].(string)
	if name == "" {
		return nil, errs.New(errs.InvalidArgument, "sub_workflow step requires a \"workflow\" name")
	}
	depth := intFromConfig(call.Run.TriggerPayload, "__depth", 0)
	if depth >= maxSubWorkflowDepth {
		return nil, errs.New(errs.ResourceExhausted, "sub_workflow recursion depth exceeded")
	}

	def, err := e.service.repo.GetDefinitionByOwner(ctx, name, storage.WorkflowOwner{Type: storage.OwnerGlobal})
	if err != nil {
		return nil, err
	}

	payload, _ := call.Input["input"].(map[string]any)
	runID, err := e.service.submitAtDepth(ctx, def, payload, depth+1)
	if err != nil {
		return nil, err
	}

	for {
		run, err := e.service.repo.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			if run.Status != storage.RunCompleted {
				return nil, errs.New(errs.Upstream, "sub_workflow run "+string(runID)+" ended in status "+string(run.Status))
			}
			return map[string]any{"run_id": string(runID), "context": run.Context}, nil
		}
		if err := e.service.clock.Sleep(ctx, 200*time.Millisecond); err != nil {
			return nil, err
		}
	}
}
