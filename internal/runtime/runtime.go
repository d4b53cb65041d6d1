package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	ctxengine "github.com/user/crowdwatch/internal/context"
	"github.com/user/crowdwatch/internal/gateway"
	"github.com/user/crowdwatch/internal/memory"
	"github.com/user/crowdwatch/internal/types"
	"github.com/user/crowdwatch/pkg/llm"
)

// DefaultLongTermLimit is how many long-term records feed a prompt.
const DefaultLongTermLimit = 5

// DefaultSession is used for events that carry no session id.
const DefaultSession types.SessionID = "default"

// Completer is the slice of the gateway the runtime needs.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts ...gateway.CallOption) (string, error)
}

// Profile describes an agent to the runtime.
type Profile struct {
	Name string
	// Structured agents expect a JSON object back from the LLM.
	Structured bool
	// LongTermLimit bounds the recap; zero means DefaultLongTermLimit.
	LongTermLimit int
	// OutputTopic receives Result.Message unless the result names a topic.
	OutputTopic string
}

// Input is one event or query handed to an agent.
type Input struct {
	SessionID types.SessionID
	Text      string
	Event     map[string]any
	Image     *llm.Image
	MessageID string
	// Structured is the session's structured context, filled in by Handle
	// before Snapshot runs.
	Structured map[string]any
}

// Result is what an agent produced for one input.
type Result struct {
	// Reply is appended to short-term memory as the assistant turn.
	Reply string
	// Message is published after memory writes. Nil publishes nothing.
	Message map[string]any
	Topic   string
	// Memory replaces the default long-term record body.
	Memory any
	// Value is returned to direct callers.
	Value any
	// Context is merged over the extractor's structured-context patch.
	Context map[string]any
}

// Agent supplies the domain-specific parts of event handling.
type Agent interface {
	Profile() Profile
	// Snapshot loads the domain data the prompt needs. It may set in.Image.
	Snapshot(ctx context.Context, in *Input) (any, error)
	// Instructions renders the instruction block for the prompt.
	Instructions(in *Input, snapshot any) (string, error)
	// Act turns the interpreted completion into a Result. Store mutations made
	// here stay applied even if persisting later fails.
	Act(ctx context.Context, in *Input, snapshot any, res *Interpretation) (*Result, error)
}

// Envelope builds the standard outbound message {type, <type>: payload, context}.
func Envelope(kind string, payload, snapshot any) map[string]any {
	return map[string]any{"type": kind, kind: payload, "context": snapshot}
}

// Outcome reports one pass through the state machine.
type Outcome struct {
	Agent          string
	SessionID      types.SessionID
	Interpretation *Interpretation
	Result         *Result
	Trace          []State
	Published      bool
}

// Deps are the collaborators shared by every agent runtime.
type Deps struct {
	Gateway    Completer
	Engine     *ctxengine.Engine
	LongTerm   types.LongTermMemory
	ShortTerm  *memory.ShortTerm
	Bus        types.Publisher
	Extractor  Extractor
	Classifier *Classifier
	Logger     *zap.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithObserver registers a callback invoked on every state transition.
func WithObserver(fn func(State)) Option {
	return func(r *Runtime) { r.observe = fn }
}

// WithLongTermLimit overrides how many recent long-term records are recalled
// into the prompt. Non-positive values keep the profile's limit.
func WithLongTermLimit(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.profile.LongTermLimit = n
		}
	}
}

// Runtime runs one agent's events through load, prompt, interpret and persist.
type Runtime struct {
	agent      Agent
	profile    Profile
	gateway    Completer
	engine     *ctxengine.Engine
	longTerm   types.LongTermMemory
	shortTerm  *memory.ShortTerm
	bus        types.Publisher
	extractor  Extractor
	classifier *Classifier
	logger     *zap.Logger
	observe    func(State)
}

// New creates a Runtime for agent.
func New(agent Agent, deps Deps, opts ...Option) *Runtime {
	p := agent.Profile()
	if p.LongTermLimit <= 0 {
		p.LongTermLimit = DefaultLongTermLimit
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{
		agent:      agent,
		profile:    p,
		gateway:    deps.Gateway,
		engine:     deps.Engine,
		longTerm:   deps.LongTerm,
		shortTerm:  deps.ShortTerm.For(p.Name),
		bus:        deps.Bus,
		extractor:  deps.Extractor,
		classifier: deps.Classifier,
		logger:     logger.With(zap.String("component", "runtime"), zap.String("agent", p.Name)),
	}
	if r.extractor == nil {
		r.extractor = RegexExtractor{}
	}
	if r.classifier == nil {
		r.classifier = NewClassifier(nil)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the agent name.
func (r *Runtime) Name() string { return r.profile.Name }

// Agent returns the wrapped agent.
func (r *Runtime) Agent() Agent { return r.agent }

// ShortTerm returns the agent's session memory.
func (r *Runtime) ShortTerm() *memory.ShortTerm { return r.shortTerm }

func (r *Runtime) enter(out *Outcome, s State) {
	out.Trace = append(out.Trace, s)
	if r.observe != nil {
		r.observe(s)
	}
}

func (r *Runtime) fail(out *Outcome, step string, err error) (*Outcome, error) {
	r.enter(out, StateFailed)
	r.logger.Warn("event failed", zap.String("step", step), zap.String("session", string(out.SessionID)), zap.Error(err))
	return out, fmt.Errorf("%s %s: %w", r.profile.Name, step, err)
}

// Handle processes one input. Memory and bus writes happen only after the
// completion was interpreted and acted on, so a failure before that leaves
// memory untouched.
func (r *Runtime) Handle(ctx context.Context, in *Input) (*Outcome, error) {
	if in.SessionID == "" {
		in.SessionID = DefaultSession
	}
	in.Text = Normalize(in.Text)
	out := &Outcome{Agent: r.profile.Name, SessionID: in.SessionID}

	// Load.
	r.enter(out, StateContextLoading)
	turns, err := r.shortTerm.Entries(ctx, in.SessionID)
	if err != nil {
		return r.fail(out, "load short-term", err)
	}
	structured, err := r.shortTerm.GetStructured(ctx, in.SessionID)
	if err != nil {
		return r.fail(out, "load structured context", err)
	}
	recent, err := r.longTerm.Recent(ctx, r.profile.Name, r.profile.LongTermLimit)
	if err != nil {
		return r.fail(out, "load long-term", err)
	}
	in.Structured = structured
	snapshot, err := r.agent.Snapshot(ctx, in)
	if err != nil {
		return r.fail(out, "load snapshot", err)
	}

	// Prompt.
	r.enter(out, StatePrompting)
	instructions, err := r.agent.Instructions(in, snapshot)
	if err != nil {
		return r.fail(out, "render instructions", err)
	}
	prompt := r.engine.BuildPrompt(ctxengine.PromptInput{
		Instructions: instructions,
		Structured:   structured,
		LongTerm:     recapLines(recent),
		ShortTerm:    turns,
		Input:        in.Text,
	})

	// Interpret.
	r.enter(out, StateInterpreting)
	raw, err := r.gateway.Complete(ctx, prompt, gateway.WithSource(r.profile.Name), gateway.WithImage(in.Image))
	if err != nil {
		return r.fail(out, "complete", err)
	}
	interp := r.classifier.Interpret(raw, r.profile.Structured, in.Text)
	out.Interpretation = interp
	if interp.Fallback {
		r.logger.Info("unparseable completion, using fallback",
			zap.String("intent", interp.Intent), zap.Error(interp.ParseErr))
	}
	res, err := r.agent.Act(ctx, in, snapshot, interp)
	if err != nil {
		return r.fail(out, "act", err)
	}
	if res == nil {
		res = &Result{}
	}
	out.Result = res

	// Persist.
	r.enter(out, StatePersisting)
	if err := r.persist(ctx, in, structured, interp, res, out); err != nil {
		return r.fail(out, "persist", err)
	}
	r.enter(out, StateIdle)
	return out, nil
}

// persist runs every write even when an earlier one fails, and returns the
// joined errors.
func (r *Runtime) persist(ctx context.Context, in *Input, prev map[string]any, interp *Interpretation, res *Result, out *Outcome) error {
	var errs []error

	body := res.Memory
	if body == nil {
		rec := map[string]any{
			"sessionId": string(in.SessionID),
			"input":     in.Text,
			"answer":    res.Reply,
			"intent":    interp.Intent,
		}
		if in.Event != nil {
			rec["event"] = in.Event
		}
		body = rec
	}
	if err := r.longTerm.Save(ctx, r.profile.Name, body); err != nil {
		errs = append(errs, fmt.Errorf("save long-term: %w", err))
	}

	if in.Text != "" {
		if err := r.shortTerm.Append(ctx, in.SessionID, "User: "+in.Text); err != nil {
			errs = append(errs, fmt.Errorf("append input: %w", err))
		}
	}
	if res.Reply != "" {
		if err := r.shortTerm.Append(ctx, in.SessionID, "Assistant: "+res.Reply); err != nil {
			errs = append(errs, fmt.Errorf("append reply: %w", err))
		}
	}

	patch := r.extractor.Extract(in.Text, res.Reply, prev)
	if len(res.Context) > 0 {
		if patch == nil {
			patch = make(map[string]any, len(res.Context))
		}
		for k, v := range res.Context {
			patch[k] = v
		}
	}
	if len(patch) > 0 {
		if err := r.shortTerm.SetStructured(ctx, in.SessionID, patch); err != nil {
			errs = append(errs, fmt.Errorf("update structured context: %w", err))
		}
	}

	if res.Message != nil {
		topic := res.Topic
		if topic == "" {
			topic = r.profile.OutputTopic
		}
		if topic != "" {
			if err := r.bus.Publish(ctx, topic, res.Message); err != nil {
				errs = append(errs, fmt.Errorf("publish %s: %w", topic, err))
			} else {
				out.Published = true
			}
		}
	}
	return errors.Join(errs...)
}

// HandleMessage adapts Handle to a bus handler.
func (r *Runtime) HandleMessage(ctx context.Context, msg types.Message) error {
	var body map[string]any
	if err := msg.Decode(&body); err != nil {
		return err
	}
	if body == nil {
		return types.Permanent(fmt.Errorf("message %s: empty body", msg.ID))
	}
	in := InputFromEvent(body)
	in.MessageID = msg.ID
	r.logger.Debug("event received", zap.String("message_id", msg.ID), zap.Int("attempt", msg.Attempt))
	_, err := r.Handle(ctx, in)
	return err
}

// InputFromEvent builds an Input from a free-form event body. The text is the
// first of input, prompt, query or text, else the compact JSON of the body.
func InputFromEvent(body map[string]any) *Input {
	in := &Input{SessionID: DefaultSession, Event: body}
	for _, k := range []string{"sessionId", "session_id"} {
		if s, ok := body[k].(string); ok && s != "" {
			in.SessionID = types.SessionID(s)
			break
		}
	}
	for _, k := range []string{"input", "prompt", "query", "text"} {
		if s, ok := body[k].(string); ok && s != "" {
			in.Text = s
			return in
		}
	}
	if data, err := json.Marshal(body); err == nil {
		in.Text = string(data)
	}
	return in
}

// recapLines renders newest-first long-term records as oldest-first lines.
func recapLines(recs []types.Record) []string {
	lines := make([]string, 0, len(recs))
	for _, rec := range recs {
		body, err := json.Marshal(rec["eventBody"])
		if err != nil {
			continue
		}
		lines = append(lines, rec.String("serverTimestamp")+" "+string(body))
	}
	slices.Reverse(lines)
	return lines
}
