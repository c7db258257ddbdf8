package tool

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mohammad-safakhou/stepwise/internal/plan"
)

type structuredStub struct {
	id     Identifier
	result plan.ToolResult
	err    error
	gotP   map[string]string
}

func (s *structuredStub) Name() Identifier       { return s.id }
func (s *structuredStub) Descriptor() Descriptor { return DefaultDescriptor(s.id) }
func (s *structuredStub) Execute(ctx context.Context, p plan.Snapshot, params map[string]string) (plan.ToolResult, error) {
	s.gotP = params
	return s.result, s.err
}

type textStub struct {
	id      Identifier
	gotTask string
	gotCtx  string
}

func (s *textStub) Name() Identifier       { return s.id }
func (s *textStub) Descriptor() Descriptor { return DefaultDescriptor(s.id) }
func (s *textStub) ExecuteText(ctx context.Context, p plan.Snapshot, task, stepCtx string) (plan.ToolResult, error) {
	s.gotTask = task
	s.gotCtx = stepCtx
	return plan.SuccessResult(string(s.id), "ok", ""), nil
}

type shapelessStub struct{ id Identifier }

func (s *shapelessStub) Name() Identifier       { return s.id }
func (s *shapelessStub) Descriptor() Descriptor { return Descriptor{Name: s.id} }

func TestParseIdentifierCaseInsensitiveExact(t *testing.T) {
	id, err := ParseIdentifier("document_from_web")
	if err != nil {
		t.Fatalf("ParseIdentifier: %v", err)
	}
	if id != DocumentFromWeb {
		t.Fatalf("expected DOCUMENT_FROM_WEB, got %s", id)
	}
	if _, err := ParseIdentifier("document_from"); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("prefix matches must not resolve, got %v", err)
	}
	if _, err := ParseIdentifier("DOCUMNET_FROM_WEB"); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("near-misses must not resolve, got %v", err)
	}
}

func TestRegistryRejectsUnknownAndDuplicate(t *testing.T) {
	if _, err := NewRegistry(&structuredStub{id: Identifier("MYSTERY")}); err == nil {
		t.Fatalf("expected unknown identifier to fail registration")
	}
	a := &structuredStub{id: WebSearch}
	b := &structuredStub{id: WebSearch}
	if _, err := NewRegistry(a, b); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if _, err := NewRegistry(&shapelessStub{id: WebSearch}); err == nil {
		t.Fatalf("expected shapeless tool to fail registration")
	}
}

func TestResolveIsHardFailure(t *testing.T) {
	reg, err := NewRegistry(&structuredStub{id: WebSearch})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := reg.Resolve("web_search"); err != nil {
		t.Fatalf("expected case-insensitive resolve to succeed: %v", err)
	}
	if _, err := reg.Resolve("KNOWLEDGE_STORE"); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("known identifier without a registration must fail, got %v", err)
	}
}

func TestDescriptorsAreSorted(t *testing.T) {
	reg, err := NewRegistry(&structuredStub{id: WebSearch}, &textStub{id: CodeAnalysis})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	descs := reg.Descriptors()
	if len(descs) != 2 || descs[0].Name != CodeAnalysis || descs[1].Name != WebSearch {
		t.Fatalf("unexpected descriptor order: %+v", descs)
	}
}

func TestDispatchPrefersStructuredShape(t *testing.T) {
	stub := &structuredStub{id: KnowledgeStore, result: plan.SuccessResult("", "stored", "")}
	p := plan.New("corr", "task")
	res := Dispatch(context.Background(), stub, p.Snapshot(), "instr", map[string]string{"title": "x"})
	if !res.Success || res.ToolName != string(KnowledgeStore) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if stub.gotP["title"] != "x" {
		t.Fatalf("params not forwarded: %+v", stub.gotP)
	}
}

func TestDispatchTextShapeGetsInstructionAndContext(t *testing.T) {
	stub := &textStub{id: CodeAnalysis}
	p := plan.New("corr", "task")
	if err := p.AppendSteps(&plan.Step{ToolName: "WEB_SEARCH"}); err != nil {
		t.Fatalf("AppendSteps: %v", err)
	}
	s := p.NextPending()
	_ = p.MarkRunning(s)
	_ = p.RecordResult(s, plan.SuccessResult("WEB_SEARCH", "found 3 results", ""))

	res := Dispatch(context.Background(), stub, p.Snapshot(), "analyze module", nil)
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	if stub.gotTask != "analyze module" {
		t.Fatalf("instruction not forwarded: %q", stub.gotTask)
	}
	if stub.gotCtx == "" {
		t.Fatalf("expected completed-step context to be rendered")
	}
}

func TestDispatchConvertsToolErrorToFailedResult(t *testing.T) {
	stub := &structuredStub{id: WebSearch, err: fmt.Errorf("HTTP 404")}
	p := plan.New("corr", "task")
	res := Dispatch(context.Background(), stub, p.Snapshot(), "", nil)
	if res.Success {
		t.Fatalf("expected failure result")
	}
	if res.ErrorMessage != "HTTP 404" || res.Summary == "" {
		t.Fatalf("error must be preserved with a non-empty summary: %+v", res)
	}
}
