package healthplan

import (
	"strconv"
	"strings"
)

// Decision is the outcome of applying the weather rule to a planner result.
type Decision struct {
	Response *CompositeResponse

	// Effective is the classification the rule acted on. It differs from the
	// weather service's raw decision only when that value was unrecognised.
	Effective WeatherDecision

	// Unrecognized is set when the weather service broke its contract.
	// Such decisions fail closed and are treated as BLOCK.
	Unrecognized bool
}

// Decide selects the final plan from the planner's candidates and the
// weather classification, composes alerts and merges explanations.
//
// BLOCK selects the fallback plan and hides the recommended plan; WARNING and
// OK keep the recommended plan. Evaluation metrics are passed through as the
// planner computed them for its recommendation, even when the fallback plan
// is selected. Alternatives are informational and never selected.
func Decide(planned *PlannerResult, forecast *WeatherResult) *Decision {
	if forecast == nil {
		forecast = FallbackWeather()
	}

	effective := forecast.Decision
	unrecognized := !effective.Known()
	if unrecognized {
		effective = DecisionBlock
	}

	resp := &CompositeResponse{
		FallbackPlan:   planned.FallbackPlan,
		Alternatives:   planned.Alternatives,
		WeatherSummary: summarize(forecast, effective),
		Alerts:         []Alert{},
		Metrics:        planned.EvaluationMetrics,
		Explanation:    planned.Explanation,
	}
	if resp.Alternatives == nil {
		resp.Alternatives = []Plan{}
	}

	switch effective {
	case DecisionBlock:
		resp.SelectedPlan = planned.FallbackPlan
		resp.RecommendedPlan = nil
		msg := "Weather conditions block the recommended route: " + reasonText(forecast.Reasons, "severe weather")
		if unrecognized {
			msg = "Weather risk could not be classified (decision " + strconv.Quote(string(forecast.Decision)) + "); using the fallback route"
		}
		resp.Alerts = append(resp.Alerts, Alert{Level: AlertCritical, Message: msg})
	case DecisionWarning:
		resp.SelectedPlan = planned.RecommendedPlan
		resp.RecommendedPlan = planned.RecommendedPlan
		resp.Alerts = append(resp.Alerts, Alert{
			Level:   AlertWarning,
			Message: "Weather advisory for this route: " + reasonText(forecast.Reasons, "unsettled weather"),
		})
	default:
		resp.SelectedPlan = planned.RecommendedPlan
		resp.RecommendedPlan = planned.RecommendedPlan
		if notices := nonEmpty(forecast.Summary.Alerts); len(notices) > 0 {
			resp.Alerts = append(resp.Alerts, Alert{
				Level:   AlertInfo,
				Message: "Weather notice: " + strings.Join(notices, "; "),
			})
		}
	}

	// The planner contract guarantees a fallback plan, so this only triggers
	// when a caller hands Decide an incomplete result.
	if resp.SelectedPlan == nil {
		resp.SelectedPlan = planned.FallbackPlan
	}

	if effective != DecisionOK {
		resp.Explanation = joinSentences(planned.Explanation, weatherClause(effective, forecast.Reasons, unrecognized))
	}

	return &Decision{
		Response:     resp,
		Effective:    effective,
		Unrecognized: unrecognized,
	}
}

func summarize(forecast *WeatherResult, effective WeatherDecision) WeatherSummary {
	reasons := forecast.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	return WeatherSummary{
		Decision:        effective,
		Reasons:         reasons,
		Penalties:       forecast.Penalties,
		RainProbability: forecast.Summary.RainProbability,
		Temperature:     forecast.Summary.Temperature,
		WindSpeedKmh:    forecast.Summary.WindSpeedKmh,
		Conditions:      forecast.Summary.Conditions,
	}
}

func weatherClause(effective WeatherDecision, reasons []string, unrecognized bool) string {
	switch {
	case unrecognized:
		return "Weather risk could not be classified, so the fallback route was selected."
	case effective == DecisionBlock:
		return "Weather: " + reasonText(reasons, "severe weather") + ". The fallback route was selected."
	default:
		return "Weather: " + reasonText(reasons, "unsettled weather") + ". The recommended route is kept; plan accordingly."
	}
}

func reasonText(reasons []string, otherwise string) string {
	if r := nonEmpty(reasons); len(r) > 0 {
		return strings.Join(r, "; ")
	}
	return otherwise
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func joinSentences(a, b string) string {
	a = strings.TrimSpace(a)
	if a == "" {
		return b
	}
	return a + " " + b
}
