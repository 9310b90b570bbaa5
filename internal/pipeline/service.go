package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tdnguyen/chatgate/internal/assembler"
	"github.com/tdnguyen/chatgate/internal/chat"
	"github.com/tdnguyen/chatgate/internal/fault"
	"github.com/tdnguyen/chatgate/internal/gateway"
	"github.com/tdnguyen/chatgate/internal/observability"
	"github.com/tdnguyen/chatgate/internal/policy"
	"github.com/tdnguyen/chatgate/internal/store"
)

// Config tunes one Service instance.
type Config struct {
	RetryMax       int
	RetryBase      time.Duration
	RetryCap       time.Duration
	StreamMinChars int
}

// Service runs a complete turn: admission checks, context assembly, the
// provider stream, and the single commit of credit plus history.
type Service struct {
	cfg      Config
	store    store.Store
	registry *gateway.Registry
	asm      *assembler.Assembler
	log      logrus.FieldLogger
	metrics  *observability.Metrics
	window   *observability.TurnWindow
}

func New(cfg Config, st store.Store, reg *gateway.Registry, asm *assembler.Assembler, log logrus.FieldLogger, metrics *observability.Metrics, window *observability.TurnWindow) *Service {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 4 * time.Second
	}
	if cfg.StreamMinChars <= 0 {
		cfg.StreamMinChars = 24
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		cfg:      cfg,
		store:    st,
		registry: reg,
		asm:      asm,
		log:      log,
		metrics:  metrics,
		window:   window,
	}
}

// Outcome describes a committed turn.
type Outcome struct {
	AssistantTurn chat.Turn     `json:"assistant_turn"`
	Model         string        `json:"model"`
	Cost          int           `json:"cost"`
	Balance       int           `json:"balance"`
	Usage         gateway.Usage `json:"usage"`
}

// Process handles one user turn end to end. Streamed fragments go through
// emit; nothing is persisted and no credit moves unless the stream finishes.
func (s *Service) Process(ctx context.Context, userID string, turn chat.Turn, emit func(delta string) error) (Outcome, error) {
	log := s.log.WithField("user_id", userID)
	stageStart := time.Now()

	profile, err := s.store.EnsureProfile(ctx, userID)
	if err != nil {
		return s.fail(log, "", fault.Wrap(fault.KindInternal, err))
	}

	modelName := strings.TrimSpace(turn.Model)
	if modelName == "" {
		modelName = profile.PreferredModel
	}
	desc, err := s.store.GetModel(ctx, modelName)
	if err != nil {
		if errors.Is(err, store.ErrModelNotFound) {
			return s.fail(log, modelName, fault.New(fault.KindModelUnknown, "model %q is not in the catalog", modelName))
		}
		return s.fail(log, modelName, fault.Wrap(fault.KindInternal, err))
	}
	log = log.WithField("model", desc.Name)

	if turn.HasImages() && !desc.SupportsImages {
		return s.fail(log, desc.Name, fault.New(fault.KindUnsupportedContent, "model %s does not accept images", desc.Name))
	}

	decision := policy.Authorize(policy.Profile{
		UserID:      profile.UserID,
		AccessLevel: profile.AccessLevel,
		Credit:      profile.Credit,
	}, desc.Policy())
	if err := decision.Err(); err != nil {
		return s.fail(log, desc.Name, err)
	}
	s.window.ObserveSince(observability.StageAuthorize, stageStart)

	stageStart = time.Now()
	history, err := s.store.History(ctx, userID)
	if err != nil {
		return s.fail(log, desc.Name, fault.Wrap(fault.KindInternal, err))
	}
	msgs, err := s.asm.Assemble(profile.SystemPrompt, history, turn)
	if err != nil {
		return s.fail(log, desc.Name, err)
	}
	s.window.ObserveSince(observability.StageAssemble, stageStart)

	adapter, err := s.registry.Lookup(desc.Name)
	if err != nil {
		return s.fail(log, desc.Name, err)
	}

	result, err := s.stream(ctx, adapter, desc.Name, msgs, emit)
	if err != nil {
		// Partial output already sent downstream is abandoned, never stored.
		return s.fail(log, desc.Name, err)
	}
	if ctx.Err() != nil {
		return s.fail(log, desc.Name, ctx.Err())
	}

	outcome, err := s.commit(ctx, log, profile, desc, turn, result)
	if err != nil {
		return s.fail(log, desc.Name, err)
	}

	if s.metrics != nil {
		s.metrics.TurnsTotal.WithLabelValues("success").Inc()
		if outcome.Cost > 0 {
			s.metrics.CreditsDeducted.Add(float64(outcome.Cost))
		}
	}
	log.WithFields(logrus.Fields{
		"cost":              outcome.Cost,
		"balance":           outcome.Balance,
		"completion_tokens": outcome.Usage.CompletionTokens,
	}).Info("turn committed")
	return outcome, nil
}

// stream runs the retrying provider call, coalescing raw deltas into
// readable fragments before they reach the caller.
func (s *Service) stream(ctx context.Context, adapter gateway.Adapter, model string, msgs []chat.Message, emit func(string) error) (gateway.Result, error) {
	retr := gateway.NewRetrying(adapter, s.cfg.RetryMax, s.cfg.RetryBase, s.cfg.RetryCap)
	coll := gateway.NewDeltaCollector(s.cfg.StreamMinChars)

	start := time.Now()
	firstChunk := true
	onDelta := func(d string) error {
		if firstChunk {
			firstChunk = false
			s.window.ObserveSince(observability.StageFirstChunk, start)
			if s.metrics != nil {
				s.metrics.ObserveFirstChunkLatency(time.Since(start))
			}
		}
		for _, seg := range coll.Consume(d) {
			if err := emit(seg); err != nil {
				return err
			}
		}
		return nil
	}

	result, err := retr.Stream(ctx, model, msgs, onDelta)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ProviderErrors.WithLabelValues(adapter.Name(), fault.KindOf(err).String()).Inc()
		}
		return gateway.Result{}, err
	}
	for _, seg := range coll.Finalize() {
		if err := emit(seg); err != nil {
			return gateway.Result{}, err
		}
	}
	s.window.ObserveSince(observability.StageProviderFull, start)
	return result, nil
}

// commit deducts the model cost and appends the exchange. The deduction is
// conditional on the balance still covering the cost; one retry absorbs a
// concurrent top-up racing the check.
func (s *Service) commit(ctx context.Context, log logrus.FieldLogger, profile store.Profile, desc store.ModelDescriptor, userTurn chat.Turn, result gateway.Result) (Outcome, error) {
	stageStart := time.Now()

	cost := desc.CreditCost
	balance := profile.Credit
	if cost > 0 {
		var err error
		balance, err = s.store.AdjustCredit(ctx, profile.UserID, -cost, cost)
		if errors.Is(err, store.ErrCreditConflict) {
			balance, err = s.store.AdjustCredit(ctx, profile.UserID, -cost, cost)
		}
		if errors.Is(err, store.ErrCreditConflict) {
			return Outcome{}, fault.New(fault.KindInsufficientCredit, "balance no longer covers %d credits for %s", cost, desc.Name)
		}
		if err != nil {
			return Outcome{}, fault.Wrap(fault.KindInternal, err)
		}
	}

	assistantTurn := chat.Turn{
		Role:  chat.RoleAssistant,
		Parts: []chat.Part{chat.TextPart(result.Text)},
		Model: desc.Name,
	}
	stored, redacted := policy.RedactTurn(userTurn)
	if redacted {
		log.Debug("stored user turn redacted")
	}
	if err := s.store.AppendExchange(ctx, profile.UserID, stored, assistantTurn); err != nil {
		if cost > 0 {
			if _, refundErr := s.store.AdjustCredit(ctx, profile.UserID, cost, 0); refundErr != nil {
				log.WithError(refundErr).Error("credit refund failed after history write error")
			}
		}
		return Outcome{}, fault.Wrap(fault.KindInternal, err)
	}
	s.window.ObserveSince(observability.StageCommit, stageStart)

	return Outcome{
		AssistantTurn: assistantTurn,
		Model:         desc.Name,
		Cost:          cost,
		Balance:       balance,
		Usage:         result.Usage,
	}, nil
}

func (s *Service) fail(log logrus.FieldLogger, model string, err error) (Outcome, error) {
	kind := fault.KindOf(err)
	if s.metrics != nil {
		s.metrics.TurnsTotal.WithLabelValues(kind.String()).Inc()
	}
	entry := log.WithField("kind", kind.String())
	if kind == fault.KindInternal {
		entry.WithError(err).Error("turn failed")
	} else {
		entry.WithError(err).Warn("turn rejected")
	}
	return Outcome{}, err
}
