package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tdnguyen/chatgate/internal/assembler"
	"github.com/tdnguyen/chatgate/internal/chat"
	"github.com/tdnguyen/chatgate/internal/fault"
	"github.com/tdnguyen/chatgate/internal/gateway"
	"github.com/tdnguyen/chatgate/internal/observability"
	"github.com/tdnguyen/chatgate/internal/policy"
	"github.com/tdnguyen/chatgate/internal/store"
)

type stubAdapter struct {
	text     string
	failures int
	kind     fault.Kind
	calls    int
	gotMsgs  []chat.Message
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) Stream(ctx context.Context, model string, msgs []chat.Message, onDelta gateway.DeltaHandler) (gateway.Result, error) {
	a.calls++
	a.gotMsgs = msgs
	if a.calls <= a.failures {
		return gateway.Result{}, fault.New(a.kind, "stub failure")
	}
	if onDelta != nil {
		for _, w := range strings.SplitAfter(a.text, " ") {
			if err := onDelta(w); err != nil {
				return gateway.Result{}, err
			}
		}
	}
	return gateway.Result{Text: a.text, Usage: gateway.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
}

func newTestService(t *testing.T, adapter gateway.Adapter) (*Service, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore(store.Defaults{SeedCredits: 20, DefaultModel: "gpt-test"})
	if err := st.PutModel(context.Background(), store.ModelDescriptor{
		Name:       "gpt-test",
		CreditCost: 3,
	}); err != nil {
		t.Fatalf("PutModel() error = %v", err)
	}
	reg := gateway.NewRegistry()
	reg.Register(adapter, "gpt-test")
	asm := assembler.New(4000, 25, "You are helpful.", false)
	svc := New(Config{RetryMax: 1, RetryBase: time.Millisecond, RetryCap: 2 * time.Millisecond, StreamMinChars: 8},
		st, reg, asm, nil, nil, observability.NewTurnWindow(8))
	return svc, st
}

func userTurn(text string) chat.Turn {
	return chat.Turn{Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart(text)}}
}

func TestProcessCommitsExchangeAndDeductsCredit(t *testing.T) {
	adapter := &stubAdapter{text: "The answer is four."}
	svc, st := newTestService(t, adapter)
	ctx := context.Background()

	var streamed []string
	out, err := svc.Process(ctx, "u1", userTurn("what is 2+2"), func(d string) error {
		streamed = append(streamed, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out.Cost != 3 || out.Balance != 17 {
		t.Fatalf("Cost/Balance = %d/%d, want 3/17", out.Cost, out.Balance)
	}
	if out.AssistantTurn.JoinText() != "The answer is four." {
		t.Fatalf("assistant text = %q", out.AssistantTurn.JoinText())
	}
	if strings.Join(streamed, "") != "The answer is four." {
		t.Fatalf("streamed = %q, lost or duplicated text", strings.Join(streamed, ""))
	}

	history, err := st.History(ctx, "u1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2 (user + assistant)", len(history))
	}
	if history[0].Role != chat.RoleUser || history[1].Role != chat.RoleAssistant {
		t.Fatalf("history roles = %s,%s", history[0].Role, history[1].Role)
	}
	if history[1].Model != "gpt-test" {
		t.Fatalf("assistant turn model = %q, want gpt-test", history[1].Model)
	}

	profile, err := st.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if profile.Credit != 17 {
		t.Fatalf("Credit = %d, want 17", profile.Credit)
	}
}

func TestProcessUnknownModelMutatesNothing(t *testing.T) {
	svc, st := newTestService(t, &stubAdapter{text: "hi"})
	ctx := context.Background()

	turn := userTurn("hello")
	turn.Model = "no-such-model"
	_, err := svc.Process(ctx, "u1", turn, func(string) error { return nil })
	if !fault.Is(err, fault.KindModelUnknown) {
		t.Fatalf("error kind = %v, want model_unknown", fault.KindOf(err))
	}

	history, _ := st.History(ctx, "u1")
	if len(history) != 0 {
		t.Fatalf("len(history) = %d, want 0", len(history))
	}
	profile, _ := st.GetProfile(ctx, "u1")
	if profile.Credit != 20 {
		t.Fatalf("Credit = %d, want untouched 20", profile.Credit)
	}
}

func TestProcessInsufficientCredit(t *testing.T) {
	svc, st := newTestService(t, &stubAdapter{text: "hi"})
	ctx := context.Background()

	if _, err := st.EnsureProfile(ctx, "u1"); err != nil {
		t.Fatalf("EnsureProfile() error = %v", err)
	}
	if _, err := st.AdjustCredit(ctx, "u1", -19, 19); err != nil {
		t.Fatalf("AdjustCredit() error = %v", err)
	}

	_, err := svc.Process(ctx, "u1", userTurn("hello"), func(string) error { return nil })
	if !fault.Is(err, fault.KindInsufficientCredit) {
		t.Fatalf("error kind = %v, want insufficient_credit", fault.KindOf(err))
	}
}

func TestProcessAccessLevelGate(t *testing.T) {
	svc, st := newTestService(t, &stubAdapter{text: "hi"})
	ctx := context.Background()

	if err := st.PutModel(ctx, store.ModelDescriptor{
		Name:           "gpt-elite",
		CreditCost:     1,
		MinAccessLevel: policy.LevelUltimate,
	}); err != nil {
		t.Fatalf("PutModel() error = %v", err)
	}

	turn := userTurn("hello")
	turn.Model = "gpt-elite"
	_, err := svc.Process(ctx, "u1", turn, func(string) error { return nil })
	if !fault.Is(err, fault.KindInsufficientAccessLevel) {
		t.Fatalf("error kind = %v, want insufficient_access_level", fault.KindOf(err))
	}
}

func TestProcessRejectsImagesForTextOnlyModel(t *testing.T) {
	svc, _ := newTestService(t, &stubAdapter{text: "hi"})
	ctx := context.Background()

	turn := chat.Turn{Role: chat.RoleUser, Parts: []chat.Part{
		chat.TextPart("what is this"),
		chat.ImagePart("https://img.example/x.png", 1024),
	}}
	_, err := svc.Process(ctx, "u1", turn, func(string) error { return nil })
	if !fault.Is(err, fault.KindUnsupportedContent) {
		t.Fatalf("error kind = %v, want unsupported_content", fault.KindOf(err))
	}
}

func TestProcessProviderFailureLeavesNoTrace(t *testing.T) {
	adapter := &stubAdapter{failures: 10, kind: fault.KindUpstreamUnavailable}
	svc, st := newTestService(t, adapter)
	ctx := context.Background()

	_, err := svc.Process(ctx, "u1", userTurn("hello"), func(string) error { return nil })
	if !fault.Is(err, fault.KindUpstreamUnavailable) {
		t.Fatalf("error kind = %v, want upstream_unavailable", fault.KindOf(err))
	}
	if adapter.calls != 2 {
		t.Fatalf("calls = %d, want 2 (1 + RetryMax)", adapter.calls)
	}

	history, _ := st.History(ctx, "u1")
	if len(history) != 0 {
		t.Fatalf("len(history) = %d, want 0 after failure", len(history))
	}
	profile, _ := st.GetProfile(ctx, "u1")
	if profile.Credit != 20 {
		t.Fatalf("Credit = %d, want untouched 20", profile.Credit)
	}
}

func TestProcessRetryRecovers(t *testing.T) {
	adapter := &stubAdapter{text: "recovered fine.", failures: 1, kind: fault.KindRateLimited}
	svc, _ := newTestService(t, adapter)

	out, err := svc.Process(context.Background(), "u1", userTurn("hello"), func(string) error { return nil })
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if adapter.calls != 2 {
		t.Fatalf("calls = %d, want 2", adapter.calls)
	}
	if out.AssistantTurn.JoinText() != "recovered fine." {
		t.Fatalf("assistant text = %q", out.AssistantTurn.JoinText())
	}
}

func TestProcessFreeModelSkipsDeduction(t *testing.T) {
	adapter := &stubAdapter{text: "gratis."}
	svc, st := newTestService(t, adapter)
	ctx := context.Background()

	if err := st.PutModel(ctx, store.ModelDescriptor{Name: "gpt-free", CreditCost: 0}); err != nil {
		t.Fatalf("PutModel() error = %v", err)
	}
	svc.registry.Register(adapter, "gpt-free")
	turn := userTurn("hello")
	turn.Model = "gpt-free"
	out, err := svc.Process(ctx, "u1", turn, func(string) error { return nil })
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out.Cost != 0 || out.Balance != 20 {
		t.Fatalf("Cost/Balance = %d/%d, want 0/20", out.Cost, out.Balance)
	}
	profile, err := st.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if profile.Credit != 20 {
		t.Fatalf("Credit = %d, want untouched 20", profile.Credit)
	}
	history, _ := st.History(ctx, "u1")
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2 (free turns still persist)", len(history))
	}
}

// cancellingAdapter aborts the caller's context after one delta, like a
// client disconnecting mid-stream.
type cancellingAdapter struct {
	cancel context.CancelFunc
}

func (a *cancellingAdapter) Name() string { return "stub" }

func (a *cancellingAdapter) Stream(ctx context.Context, model string, msgs []chat.Message, onDelta gateway.DeltaHandler) (gateway.Result, error) {
	if onDelta != nil {
		if err := onDelta("partial "); err != nil {
			return gateway.Result{}, err
		}
	}
	a.cancel()
	<-ctx.Done()
	return gateway.Result{}, ctx.Err()
}

func TestProcessCancelledMidStreamLeavesNoTrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	adapter := &cancellingAdapter{cancel: cancel}
	svc, st := newTestService(t, adapter)

	_, err := svc.Process(ctx, "u1", userTurn("hello"), func(string) error { return nil })
	if !fault.Is(err, fault.KindCancelled) {
		t.Fatalf("error kind = %v, want cancelled", fault.KindOf(err))
	}

	// Partial output is discarded, never persisted or billed.
	history, _ := st.History(context.Background(), "u1")
	if len(history) != 0 {
		t.Fatalf("len(history) = %d, want 0 after cancellation", len(history))
	}
	profile, _ := st.GetProfile(context.Background(), "u1")
	if profile.Credit != 20 {
		t.Fatalf("Credit = %d, want untouched 20", profile.Credit)
	}
}

func TestProcessRedactsStoredUserTurn(t *testing.T) {
	adapter := &stubAdapter{text: "noted."}
	svc, st := newTestService(t, adapter)
	ctx := context.Background()

	_, err := svc.Process(ctx, "u1", userTurn("my email is jane@example.com"), func(string) error { return nil })
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	// The provider sees the raw text; only the stored copy is redacted.
	sent := adapter.gotMsgs[len(adapter.gotMsgs)-1]
	if !strings.Contains(sent.Parts[0].Text, "jane@example.com") {
		t.Fatalf("outbound text = %q, should keep the raw address", sent.Parts[0].Text)
	}
	history, _ := st.History(ctx, "u1")
	if strings.Contains(history[0].JoinText(), "jane@example.com") {
		t.Fatalf("stored text = %q, should be redacted", history[0].JoinText())
	}
}

func TestProcessUsesPreferredModelWhenUnset(t *testing.T) {
	adapter := &stubAdapter{text: "defaulted."}
	svc, _ := newTestService(t, adapter)

	out, err := svc.Process(context.Background(), "u1", userTurn("hello"), func(string) error { return nil })
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out.Model != "gpt-test" {
		t.Fatalf("Model = %q, want profile default gpt-test", out.Model)
	}
}
