package healthplan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/healthroute/gateway/internal/decisionlog"
)

const instrumentationName = "github.com/healthroute/gateway/internal/healthplan"

// PlannerClient fetches candidate plans. Implementations own their retry
// policy and report exhaustion as *DownstreamUnavailableError.
type PlannerClient interface {
	Plan(ctx context.Context, query *PlannerQuery, correlationID string) (*PlannerResult, error)
}

// WeatherClient evaluates weather risk. It never fails: on any error it
// returns FallbackWeather.
type WeatherClient interface {
	Evaluate(ctx context.Context, query *WeatherQuery, correlationID string) *WeatherResult
}

// State is a step of the per-request pipeline.
type State string

const (
	StateStarted       State = "STARTED"
	StateTransformed   State = "TRANSFORMED"
	StatePlannerCalled State = "PLANNER_CALLED"
	StateWeatherCalled State = "WEATHER_CALLED"
	StateDecided       State = "DECIDED"
	StateCompleted     State = "COMPLETED"
	StateFailed        State = "FAILED"
)

// OrchestratorConfig holds the collaborators of an Orchestrator.
type OrchestratorConfig struct {
	// Planner and Weather are the downstream adapters (required).
	Planner PlannerClient
	Weather WeatherClient

	// Recorder receives one entry per decided request (optional).
	Recorder decisionlog.Recorder

	// RecordTimeout bounds each recorder call (default: 2 seconds).
	RecordTimeout time.Duration

	// Logger for orchestration events.
	Logger zerolog.Logger

	// Now returns the orchestration instant (default: time.Now).
	Now func() time.Time

	// NewID returns a correlation identifier (default: random UUIDv4).
	NewID func() string

	// OnTransition is called on every state change (optional).
	OnTransition func(correlationID string, state State)
}

// Orchestrator answers health plan queries. It holds no per-request state
// and is safe for concurrent use.
type Orchestrator struct {
	planner       PlannerClient
	weather       WeatherClient
	recorder      decisionlog.Recorder
	recordTimeout time.Duration
	logger        zerolog.Logger
	now           func() time.Time
	newID         func() string
	onTransition  func(string, State)

	tracer    trace.Tracer
	decisions metric.Int64Counter
	failures  metric.Int64Counter

	recording sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	recordTimeout := cfg.RecordTimeout
	if recordTimeout == 0 {
		recordTimeout = 2 * time.Second
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	newID := cfg.NewID
	if newID == nil {
		newID = func() string { return uuid.New().String() }
	}

	o := &Orchestrator{
		planner:       cfg.Planner,
		weather:       cfg.Weather,
		recorder:      cfg.Recorder,
		recordTimeout: recordTimeout,
		logger:        cfg.Logger,
		now:           now,
		newID:         newID,
		onTransition:  cfg.OnTransition,
		tracer:        otel.Tracer(instrumentationName),
	}
	o.initInstruments()

	return o
}

func (o *Orchestrator) initInstruments() {
	meter := otel.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	decisions, err := meter.Int64Counter(
		"healthplan.decisions",
		metric.WithDescription("Health plans decided, by effective weather decision"),
		metric.WithUnit("{plan}"),
	)
	if err != nil {
		o.logger.Warn().Err(err).Msg("decision counter unavailable")
		decisions, _ = fallback.Int64Counter("healthplan.decisions")
	}

	failures, err := meter.Int64Counter(
		"healthplan.failures",
		metric.WithDescription("Health plan requests that ended in the failed state"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		o.logger.Warn().Err(err).Msg("failure counter unavailable")
		failures, _ = fallback.Int64Counter("healthplan.failures")
	}

	o.decisions = decisions
	o.failures = failures
}

// run tracks one request through the pipeline.
type run struct {
	id     string
	state  State
	logger zerolog.Logger
	span   trace.Span
	notify func(string, State)
}

func (r *run) enter(s State) {
	r.logger.Debug().
		Str("from", string(r.state)).
		Str("to", string(s)).
		Msg("state transition")
	r.state = s
	r.span.AddEvent(string(s))
	if r.notify != nil {
		r.notify(r.id, s)
	}
}

// PlanHealthRoute plans a health-conscious route for req. Validation errors
// are returned as *ValidationError before any downstream call; a planner
// failure after its retry is returned as *DownstreamUnavailableError. Weather
// failures never fail the request.
func (o *Orchestrator) PlanHealthRoute(ctx context.Context, req *RouteRequest) (*CompositeResponse, error) {
	startedAt := o.now()
	id := o.newID()

	ctx, span := o.tracer.Start(ctx, "healthplan.PlanHealthRoute",
		trace.WithAttributes(attribute.String("healthplan.request_id", id)),
	)
	defer span.End()

	r := &run{
		id:     id,
		logger: o.logger.With().Str("request_id", id).Logger(),
		span:   span,
		notify: o.onTransition,
	}
	r.enter(StateStarted)

	query, err := ToPlannerQuery(req, startedAt)
	if err != nil {
		return nil, o.fail(ctx, r, err)
	}
	r.enter(StateTransformed)

	r.logger.Info().
		Float64("origin_lat", query.Origin.Lat).
		Float64("origin_lon", query.Origin.Lon).
		Float64("dest_lat", query.Destination.Lat).
		Float64("dest_lon", query.Destination.Lon).
		Str("departure_time", query.DepartureTime).
		Msg("planning health route")

	planned, err := o.callPlanner(ctx, query, id)
	if err != nil {
		return nil, o.fail(ctx, r, err)
	}
	r.enter(StatePlannerCalled)

	if err := planned.Validate(); err != nil {
		return nil, o.fail(ctx, r, &DownstreamUnavailableError{Service: ServicePlanner, Err: err})
	}

	forecast := o.callWeather(ctx, ToWeatherQuery(req, query, planned), id)
	if err := ctx.Err(); err != nil {
		// Nobody is waiting for the decision, so it is neither made nor recorded.
		return nil, o.fail(ctx, r, err)
	}
	r.enter(StateWeatherCalled)

	decision := Decide(planned, forecast)
	decision.Response.RequestID = id
	r.enter(StateDecided)

	o.observe(ctx, r, planned, forecast, decision, startedAt)

	r.enter(StateCompleted)
	return decision.Response, nil
}

func (o *Orchestrator) callPlanner(ctx context.Context, query *PlannerQuery, id string) (*PlannerResult, error) {
	ctx, span := o.tracer.Start(ctx, "healthplan.planner")
	defer span.End()

	planned, err := o.planner.Plan(ctx, query, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "planner failed")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var unavailable *DownstreamUnavailableError
		if !errors.As(err, &unavailable) {
			err = &DownstreamUnavailableError{Service: ServicePlanner, Err: err}
		}
		return nil, err
	}
	if planned == nil {
		return nil, &DownstreamUnavailableError{Service: ServicePlanner, Err: ErrMalformedResponse}
	}
	return planned, nil
}

func (o *Orchestrator) callWeather(ctx context.Context, query *WeatherQuery, id string) *WeatherResult {
	ctx, span := o.tracer.Start(ctx, "healthplan.weather",
		trace.WithAttributes(attribute.Int("healthplan.duration_minutes", query.DurationMinutes)),
	)
	defer span.End()

	forecast := o.weather.Evaluate(ctx, query, id)
	if forecast == nil {
		forecast = FallbackWeather()
	}
	span.SetAttributes(attribute.String("healthplan.weather_decision", string(forecast.Decision)))
	return forecast
}

func (o *Orchestrator) fail(ctx context.Context, r *run, err error) error {
	from := r.state
	r.enter(StateFailed)

	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, err.Error())

	kind := "internal"
	var verr *ValidationError
	var unavailable *DownstreamUnavailableError
	switch {
	case errors.As(err, &verr):
		kind = "validation"
		r.logger.Info().Err(err).Str("failed_from", string(from)).Msg("health plan request rejected")
	case errors.As(err, &unavailable):
		kind = "downstream_unavailable"
		r.logger.Error().Err(err).Str("service", unavailable.Service).Str("failed_from", string(from)).Msg("health plan failed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = "canceled"
		r.logger.Warn().Err(err).Str("failed_from", string(from)).Msg("health plan abandoned by caller")
	default:
		r.logger.Error().Err(err).Str("failed_from", string(from)).Msg("health plan failed")
	}

	o.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	return err
}

func (o *Orchestrator) observe(ctx context.Context, r *run, planned *PlannerResult, forecast *WeatherResult, d *Decision, startedAt time.Time) {
	resp := d.Response
	weatherFallback := IsFallbackWeather(forecast)
	elapsed := o.now().Sub(startedAt)

	event := r.logger.Info()
	if d.Unrecognized {
		event = r.logger.Error()
	}
	event.
		Str("weather_decision", string(forecast.Decision)).
		Str("effective_decision", string(d.Effective)).
		Str("selected_plan_type", string(resp.SelectedPlan.PlanType)).
		Bool("weather_fallback", weatherFallback).
		Int("alerts", len(resp.Alerts)).
		Dur("duration", elapsed).
		Msg("health route planned")

	o.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", string(d.Effective)),
		attribute.Bool("unrecognized", d.Unrecognized),
		attribute.Bool("weather_fallback", weatherFallback),
	))

	if o.recorder == nil {
		return
	}

	entry := decisionlog.Entry{
		RequestID:         r.id,
		WeatherDecision:   string(forecast.Decision),
		EffectiveDecision: string(d.Effective),
		SelectedPlanType:  string(resp.SelectedPlan.PlanType),
		SelectedDuration:  resp.SelectedPlan.TotalDurationMinutes,
		FallbackSelected:  resp.SelectedPlan == planned.FallbackPlan,
		WeatherFallback:   weatherFallback,
		AlertCount:        len(resp.Alerts),
		Elapsed:           elapsed,
		DecidedAt:         startedAt.Add(elapsed).UTC(),
	}

	// Recording survives client disconnects and does not delay the response.
	o.recording.Add(1)
	go func() {
		defer o.recording.Done()
		o.record(context.WithoutCancel(ctx), r.logger, entry)
	}()
}

// Wait blocks until pending decision recordings finish or ctx is done.
// Call it once no new requests arrive, before closing the recorder.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.recording.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) record(ctx context.Context, logger zerolog.Logger, entry decisionlog.Entry) {
	ctx, cancel := context.WithTimeout(ctx, o.recordTimeout)
	defer cancel()

	if err := o.recorder.Record(ctx, entry); err != nil {
		logger.Warn().Err(err).Msg("failed to record plan decision")
	}
}

// IsFallbackWeather reports whether w is the neutral result substituted for
// a weather failure.
func IsFallbackWeather(w *WeatherResult) bool {
	return w != nil && w.Decision == DecisionOK &&
		len(w.Reasons) == 1 && w.Reasons[0] == WeatherUnavailableReason
}
