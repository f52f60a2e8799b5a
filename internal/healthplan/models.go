// Package healthplan orchestrates health-conscious route planning across the
// planner and weather services and applies the weather decision rule.
package healthplan

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for health plan orchestration.
var (
	// ErrInvalidRequest is matched by every ValidationError.
	ErrInvalidRequest = errors.New("invalid health plan request")
	// ErrDownstreamUnavailable is matched by every DownstreamUnavailableError.
	ErrDownstreamUnavailable = errors.New("downstream service unavailable")
	// ErrMalformedResponse indicates a downstream body that could not be used.
	ErrMalformedResponse = errors.New("malformed downstream response")
)

// ServicePlanner names the planner service in errors and logs.
const ServicePlanner = "planner"

// Location is a geographic point supplied by the caller.
type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address,omitempty"`
}

// ActivityGoals are the desired active minutes for a trip.
type ActivityGoals struct {
	WalkMinutes int `json:"walkMinutes"`
	BikeMinutes int `json:"bikeMinutes"`
}

// TripConstraints are optional upper bounds on the trip.
type TripConstraints struct {
	MaxTotalTimeMinutes *int     `json:"maxTotalTimeMinutes,omitempty"`
	MaxDetourDistanceKm *float64 `json:"maxDetourDistanceKm,omitempty"`
	MaxDetourPercent    *int     `json:"maxDetourPercent,omitempty"`
}

// Preferences holds everything the caller can express about the trip.
// AvoidStairs and PreferBikeParkings matter to the planner; AvoidRain and
// WindTolerance only matter to the weather evaluation.
type Preferences struct {
	AvoidStairs        *bool  `json:"avoidStairs,omitempty"`
	PreferBikeParkings *bool  `json:"preferBikeParkings,omitempty"`
	AvoidRain          string `json:"avoidRain,omitempty"`
	WindTolerance      string `json:"windTolerance,omitempty"`
}

// RouteRequest is the composite input of a health plan query.
type RouteRequest struct {
	Origin        *Location        `json:"origin"`
	Destination   *Location        `json:"destination"`
	DepartureTime string           `json:"departureTime,omitempty"`
	Goals         *ActivityGoals   `json:"goals,omitempty"`
	Constraints   *TripConstraints `json:"constraints,omitempty"`
	Preferences   *Preferences     `json:"preferences,omitempty"`
}

// RoutingPreferences is the planner-facing subset of Preferences.
type RoutingPreferences struct {
	AvoidStairs        bool `json:"avoidStairs"`
	PreferBikeParkings bool `json:"preferBikeParkings"`
}

// PlannerQuery is the body of POST /plan.
type PlannerQuery struct {
	Origin        Location           `json:"origin"`
	Destination   Location           `json:"destination"`
	DepartureTime string             `json:"departureTime"`
	Goals         ActivityGoals      `json:"goals"`
	Constraints   TripConstraints    `json:"constraints"`
	Preferences   RoutingPreferences `json:"preferences"`
}

// PlanType tags a plan as health-oriented or normal.
type PlanType string

const (
	PlanTypeHealth PlanType = "HEALTH"
	PlanTypeNormal PlanType = "NORMAL"
)

// TravelMode is the mode of a single segment.
type TravelMode string

const (
	ModeWalk    TravelMode = "WALK"
	ModeBike    TravelMode = "BIKE"
	ModeTransit TravelMode = "TRANSIT"
)

// Place is a segment endpoint returned by the planner.
type Place struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Name string  `json:"name,omitempty"`
}

// Segment is one leg of a plan with a single travel mode.
type Segment struct {
	Mode            TravelMode `json:"mode"`
	From            Place      `json:"from"`
	To              Place      `json:"to"`
	DurationMinutes int        `json:"durationMinutes"`
	DistanceKm      float64    `json:"distanceKm"`
	Geometry        string     `json:"geometry,omitempty"` // encoded polyline, precision 5
}

// ActivityMetrics is the active-minute breakdown of a plan.
type ActivityMetrics struct {
	WalkMinutes int `json:"walkMinutes"`
	BikeMinutes int `json:"bikeMinutes"`
}

// Plan is a complete route proposed by the planner.
type Plan struct {
	PlanType             PlanType        `json:"planType"`
	TotalDurationMinutes int             `json:"totalDurationMinutes"`
	TotalDistanceKm      float64         `json:"totalDistanceKm"`
	Activity             ActivityMetrics `json:"activity"`
	Segments             []Segment       `json:"segments"`
	Why                  string          `json:"why"`
}

// EvaluationMetrics scores the planner's recommendation.
type EvaluationMetrics struct {
	WalkGoalAchieved   bool    `json:"walkGoalAchieved"`
	BikeGoalAchieved   bool    `json:"bikeGoalAchieved"`
	TotalDetourMinutes int     `json:"totalDetourMinutes"`
	TotalDetourKm      float64 `json:"totalDetourKm"`
	Score              float64 `json:"score"`
}

// PlannerResult is the body returned by POST /plan.
type PlannerResult struct {
	RecommendedPlan   *Plan              `json:"recommendedPlan"`
	Alternatives      []Plan             `json:"alternatives"`
	FallbackPlan      *Plan              `json:"fallbackPlan"`
	EvaluationMetrics *EvaluationMetrics `json:"evaluationMetrics"`
	Explanation       string             `json:"explanation"`
}

// Validate checks the invariants every usable planner response must hold.
func (r *PlannerResult) Validate() error {
	if r.RecommendedPlan == nil {
		return fmt.Errorf("%w: recommendedPlan missing", ErrMalformedResponse)
	}
	if r.FallbackPlan == nil {
		return fmt.Errorf("%w: fallbackPlan missing", ErrMalformedResponse)
	}
	return nil
}

// WeatherQuery bounds the time window evaluated by the weather service.
type WeatherQuery struct {
	Origin          Location
	Destination     Location
	DepartureTime   string
	DurationMinutes int
	AvoidRain       string
	WindTolerance   string
}

// WeatherDecision is the weather service's verdict.
type WeatherDecision string

const (
	DecisionOK      WeatherDecision = "OK"
	DecisionWarning WeatherDecision = "WARNING"
	DecisionBlock   WeatherDecision = "BLOCK"
)

// Known reports whether d is one of the three recognised classifications.
func (d WeatherDecision) Known() bool {
	switch d {
	case DecisionOK, DecisionWarning, DecisionBlock:
		return true
	default:
		return false
	}
}

// Penalties express how much conditions degrade each activity goal, in [0,1].
type Penalties struct {
	WalkPenalty float64 `json:"walkPenalty"`
	BikePenalty float64 `json:"bikePenalty"`
}

// WeatherConditions summarises the forecast over the trip window.
type WeatherConditions struct {
	RainProbability int      `json:"rainProbability"`
	Temperature     float64  `json:"temperature"`
	WindSpeedKmh    float64  `json:"windSpeedKmh"`
	Conditions      string   `json:"conditions"`
	Alerts          []string `json:"alerts"`
}

// WeatherResult is the body returned by GET /weather/decision.
type WeatherResult struct {
	Decision  WeatherDecision   `json:"decision"`
	Reasons   []string          `json:"reasons"`
	Penalties Penalties         `json:"penalties"`
	Summary   WeatherConditions `json:"summary"`
}

// WeatherUnavailableReason is the single reason carried by FallbackWeather.
const WeatherUnavailableReason = "Weather service unavailable"

// FallbackWeather returns the neutral result substituted for any weather failure.
func FallbackWeather() *WeatherResult {
	return &WeatherResult{
		Decision: DecisionOK,
		Reasons:  []string{WeatherUnavailableReason},
		Summary: WeatherConditions{
			Conditions: "unknown",
			Alerts:     []string{},
		},
	}
}

// AlertLevel is the severity of a user-facing alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is a user-facing notice attached to the response.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Message string     `json:"message"`
}

// WeatherSummary is the weather view presented to the caller.
type WeatherSummary struct {
	Decision        WeatherDecision `json:"decision"`
	Reasons         []string        `json:"reasons"`
	Penalties       Penalties       `json:"penalties"`
	RainProbability int             `json:"rainProbability"`
	Temperature     float64         `json:"temperature"`
	WindSpeedKmh    float64         `json:"windSpeedKmh"`
	Conditions      string          `json:"conditions"`
}

// CompositeResponse is the answer to a health plan query.
type CompositeResponse struct {
	RequestID       string             `json:"requestId"`
	SelectedPlan    *Plan              `json:"selectedPlan"`
	RecommendedPlan *Plan              `json:"recommendedPlan"`
	FallbackPlan    *Plan              `json:"fallbackPlan"`
	Alternatives    []Plan             `json:"alternatives"`
	WeatherSummary  WeatherSummary     `json:"weatherSummary"`
	Alerts          []Alert            `json:"alerts"`
	Metrics         *EvaluationMetrics `json:"metrics"`
	Explanation     string             `json:"explanation"`
}

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError reports malformed or incomplete caller input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is lets errors.Is(err, ErrInvalidRequest) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// DownstreamUnavailableError reports a dependency that failed after its retry budget.
type DownstreamUnavailableError struct {
	Service string
	Err     error
}

func (e *DownstreamUnavailableError) Error() string {
	if e.Err != nil {
		return e.Service + " unavailable: " + e.Err.Error()
	}
	return e.Service + " unavailable"
}

func (e *DownstreamUnavailableError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrDownstreamUnavailable) match.
func (e *DownstreamUnavailableError) Is(target error) bool {
	return target == ErrDownstreamUnavailable
}
