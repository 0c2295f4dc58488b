package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"Sentinel-Protocol/internal/action"
	"Sentinel-Protocol/internal/agent"
	xerrors "Sentinel-Protocol/internal/errors"
	"Sentinel-Protocol/internal/event"
	"Sentinel-Protocol/internal/feed"
	"Sentinel-Protocol/internal/policy"
	"Sentinel-Protocol/pkg/logger"
)

// DefaultMaxAttempts 是默认的最大尝试次数。
const DefaultMaxAttempts = 3

// FeedSource 抽象数据源网关，*feed.Gateway 实现该接口。
type FeedSource interface {
	Names() []string
	FetchAll(ctx context.Context, sel feed.Selection, query string) []feed.Result
}

// Observer 观察编排结果，用于指标采集。
type Observer interface {
	ObserveRun(state State, attempts int, duration time.Duration)
}

// Orchestrator 组合数据源网关、选择器、提案器与策略。可被并发调用。
type Orchestrator struct {
	gateway     FeedSource
	selector    agent.Selector
	proposer    agent.Proposer
	settings    policy.Settings
	maxAttempts int
	runTimeout  time.Duration
	logger      *slog.Logger
	observer    Observer
	newID       func() string
	now         func() time.Time
}

// Option 配置 Orchestrator。
type Option func(*Orchestrator)

// WithSettings 设置策略配置。
func WithSettings(s policy.Settings) Option {
	return func(o *Orchestrator) { o.settings = s }
}

// WithMaxAttempts 设置最大尝试次数，构造后不可修改。
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithRunTimeout 为整次编排设置截止时间。
func WithRunTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.runTimeout = d
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver 注册结果观察者。
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithIDGenerator 替换运行 ID 生成函数。
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// New 创建 Orchestrator。selector 为空时每次迭代都启用全部数据源。
func New(gateway FeedSource, selector agent.Selector, proposer agent.Proposer, opts ...Option) (*Orchestrator, error) {
	if gateway == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据源网关不能为空")
	}
	if proposer == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提案器不能为空")
	}
	if selector == nil {
		selector = agent.AllFeeds{}
	}
	o := &Orchestrator{
		gateway:  gateway,
		selector: selector,
		proposer: proposer,
		settings: policy.DefaultSettings(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = DefaultMaxAttempts
	}
	if o.logger == nil {
		o.logger = logger.Named("orchestrator")
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o, nil
}

// MaxAttempts 返回最大尝试次数。
func (o *Orchestrator) MaxAttempts() int { return o.maxAttempts }

// Settings 返回策略配置。
func (o *Orchestrator) Settings() policy.Settings { return o.settings }

// run 是单次编排的私有状态。
type run struct {
	o        *Orchestrator
	id       string
	trigger  Trigger
	seq      *event.Sequencer
	feeds    *feed.Context
	state    State
	attempt  int
	result   *Result
	lastCand *action.Candidate
	logger   *slog.Logger
}

// Run 执行一次编排。AUTHORIZED 与 EXHAUSTED 返回 nil 错误，
// FAILED 与 CANCELLED 返回带错误码的错误。
func (o *Orchestrator) Run(ctx context.Context, trig Trigger, sink event.Sink) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.runTimeout)
		defer cancel()
	}

	id := o.newID()
	r := &run{
		o:       o,
		id:      id,
		trigger: trig.Normalize(),
		seq:     event.NewSequencer(id, sink),
		feeds:   feed.NewContext(),
		state:   StateSelectingFeeds,
		result:  &Result{RunID: id},
		logger:  o.logger.With(slog.String("run_id", id)),
	}
	started := o.now()
	err := r.loop(ctx)

	r.result.State = r.state
	r.result.Attempts = r.attempt
	r.result.Context = r.feeds.Snapshot()
	r.result.Duration = o.now().Sub(started)
	r.result.err = err
	if o.observer != nil {
		o.observer.ObserveRun(r.state, r.attempt, r.result.Duration)
	}
	logger.Audit().Info("编排结束",
		slog.String("run_id", id),
		slog.String("state", string(r.state)),
		slog.Int("attempts", r.attempt),
		slog.String("trigger", r.trigger.Reason),
		slog.Duration("duration", r.result.Duration),
	)
	return r.result, err
}

func (r *run) loop(ctx context.Context) error {
	selection := feed.Selection(nil)
	var proposal *action.Candidate
	var verdict policy.Verdict

	for !r.state.Terminal() {
		if err := ctx.Err(); err != nil && r.state != StateAuthorizing {
			return r.cancel(err)
		}

		switch r.state {
		case StateSelectingFeeds:
			if r.attempt == 0 {
				r.attempt = 1
			}
			r.emit(event.Event{
				Type:    event.TypeStatus,
				Message: fmt.Sprintf("Attempt %d of %d: %s", r.attempt, r.o.maxAttempts, r.trigger.Reason),
			})
			selection = r.selectFeeds(ctx)
			r.emit(event.Event{
				Type:    event.TypeInfo,
				Message: "Selected feeds: " + strings.Join(selection.Names(), ", "),
				Data:    selection.Names(),
			})
			r.transition(StateFetching, "")

		case StateFetching:
			results := r.o.gateway.FetchAll(ctx, selection, r.trigger.Reason)
			if err := ctx.Err(); err != nil {
				return r.cancel(err)
			}
			for _, res := range results {
				msg := res.Value
				if !res.OK() {
					msg = "unavailable: " + res.Err.Error()
				}
				r.emit(event.Event{Type: event.TypeAgent, Name: res.Name, Message: msg})
			}
			r.feeds.Merge(results, r.attempt, r.o.now())
			r.transition(StateProposing, "")

		case StateProposing:
			req := agent.ProposalRequest{
				Trigger: r.trigger,
				Feeds:   r.feeds.Snapshot(),
				Attempt: r.attempt,
			}
			if r.attempt > 1 {
				req.Revision = &agent.Revision{
					RejectionReason: verdict.Reason,
					SettingsSummary: r.o.settings.Summary(),
					Previous:        r.lastCand,
				}
			}
			cand, err := r.o.proposer.Propose(ctx, req)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return r.cancel(ctxErr)
				}
				return r.fail(err)
			}
			proposal = cand
			r.lastCand = cand
			r.result.Action = cand
			r.emit(event.Event{
				Type:    event.TypeDecision,
				Message: describe(cand),
				Data:    cand.Clone(),
			})
			r.transition(StateAuthorizing, "")

		case StateAuthorizing:
			verdict = policy.Evaluate(proposal, r.o.settings)
			v := verdict
			r.result.Verdict = &v
			r.emit(event.Event{Type: event.TypeAuth, Message: verdict.Reason, Data: v})
			logger.Audit().Info("策略评估",
				slog.String("run_id", r.id),
				slog.Int("attempt", r.attempt),
				slog.Bool("authorized", verdict.Authorized),
				slog.String("reason", verdict.Reason),
			)
			switch {
			case verdict.Authorized:
				r.transition(StateAuthorized, verdict.Reason)
				r.emit(event.Event{
					Type:    event.TypeAction,
					Message: "Action authorized: " + describe(proposal),
					Data:    proposal.Clone(),
				})
			case r.attempt >= r.o.maxAttempts:
				r.result.Rejections = append(r.result.Rejections, verdict.Reason)
				r.transition(StateExhausted, verdict.Reason)
				r.emit(event.Event{
					Type:    event.TypeError,
					Message: exhaustedMessage(r.attempt, verdict.Reason),
				})
			default:
				r.result.Rejections = append(r.result.Rejections, verdict.Reason)
				r.transition(StateRevising, verdict.Reason)
				r.attempt++
			}

		case StateRevising:
			r.logger.Info("动作被拒绝，准备修订",
				slog.Int("next_attempt", r.attempt),
				slog.String("reason", verdict.Reason),
			)
			r.transition(StateSelectingFeeds, "")
		}
	}
	return nil
}

func (r *run) selectFeeds(ctx context.Context) feed.Selection {
	names := r.o.gateway.Names()
	if r.attempt == 1 {
		return feed.All(names)
	}
	sel := r.o.selector.Select(ctx, agent.SelectionRequest{
		Trigger:         r.trigger,
		Feeds:           names,
		Context:         r.feeds.Snapshot(),
		RejectionReason: r.result.LastRejection(),
	})
	if sel == nil {
		return feed.All(names)
	}
	return sel
}

func (r *run) transition(to State, reason string) {
	if !CanTransition(r.state, to) {
		// 状态表之外的转换属于编程错误。
		panic(fmt.Sprintf("orchestrator: illegal transition %s -> %s", r.state, to))
	}
	r.result.Transitions = append(r.result.Transitions, Transition{
		From:    r.state,
		To:      to,
		Attempt: r.attempt,
		Reason:  reason,
		At:      r.o.now(),
	})
	r.state = to
}

func (r *run) emit(e event.Event) {
	e.Attempt = r.attempt
	e.State = string(r.state)
	r.seq.Emit(e)
}

func (r *run) fail(err error) error {
	r.logger.Error("提案失败，编排终止", slog.Int("attempt", r.attempt), slog.Any("error", err))
	r.transition(StateFailed, err.Error())
	r.emit(event.Event{Type: event.TypeError, Message: failureMessage(err)})
	return err
}

func (r *run) cancel(cause error) error {
	r.logger.Warn("编排被取消", slog.Int("attempt", r.attempt), slog.Any("error", cause))
	r.transition(StateCancelled, cause.Error())
	msg := "Run cancelled."
	if stdErrors.Is(cause, context.DeadlineExceeded) {
		msg = "Run deadline exceeded."
	}
	r.emit(event.Event{Type: event.TypeCancelled, Message: msg})
	return xerrors.Wrap(CodeRunCancelled, cause, "编排被取消",
		xerrors.WithMetadata("run_id", r.id),
		xerrors.WithMetadata("attempt", fmt.Sprint(r.attempt)),
	)
}

func failureMessage(err error) string {
	if e, ok := xerrors.From(err); ok {
		switch e.Code() {
		case agent.CodeProposalMalformed:
			return "Proposal could not be parsed into an action."
		case agent.CodeOracleUnavailable:
			return "Decision oracle unavailable."
		}
	}
	return err.Error()
}

func describe(c *action.Candidate) string {
	if c == nil || c.Empty() {
		return "no action"
	}
	switch {
	case c.Type == action.TypeSwap && c.Amount.Valid:
		return fmt.Sprintf("swap %s %s -> %s", c.Amount.Decimal.String(), c.FromToken, c.ToToken)
	case c.Amount.Valid:
		return fmt.Sprintf("%s %s %s", c.Type, c.Amount.Decimal.String(), c.FromToken)
	default:
		return fmt.Sprintf("%s %s", c.Type, c.FromToken)
	}
}
