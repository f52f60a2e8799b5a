package healthplan

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// departureNow is the literal accepted in place of a timestamp.
const departureNow = "now"

// ToPlannerQuery maps a caller request onto the planner's request shape.
// A missing departure time becomes now, the instant captured when the
// enclosing request started, so both downstream calls share one clock.
// Weather preferences are never copied.
func ToPlannerQuery(req *RouteRequest, now time.Time) (*PlannerQuery, error) {
	verr := &ValidationError{}
	if req == nil {
		verr.add("request", "is required")
		return nil, verr
	}

	checkLocation(verr, "origin", req.Origin)
	checkLocation(verr, "destination", req.Destination)

	var goals ActivityGoals
	if req.Goals != nil {
		goals = *req.Goals
		if goals.WalkMinutes < 0 {
			verr.add("goals.walkMinutes", "must not be negative")
		}
		if goals.BikeMinutes < 0 {
			verr.add("goals.bikeMinutes", "must not be negative")
		}
	}

	var constraints TripConstraints
	if req.Constraints != nil {
		constraints = *req.Constraints
		if v := constraints.MaxTotalTimeMinutes; v != nil && *v < 0 {
			verr.add("constraints.maxTotalTimeMinutes", "must not be negative")
		}
		if v := constraints.MaxDetourDistanceKm; v != nil && *v < 0 {
			verr.add("constraints.maxDetourDistanceKm", "must not be negative")
		}
		if v := constraints.MaxDetourPercent; v != nil && *v < 0 {
			verr.add("constraints.maxDetourPercent", "must not be negative")
		}
	}

	departure, err := departureTime(req.DepartureTime, now)
	if err != nil {
		verr.add("departureTime", err.Error())
	}

	if len(verr.Fields) > 0 {
		return nil, verr
	}

	query := &PlannerQuery{
		Origin:        *req.Origin,
		Destination:   *req.Destination,
		DepartureTime: departure,
		Goals:         goals,
		Constraints:   constraints,
	}
	if p := req.Preferences; p != nil {
		query.Preferences = RoutingPreferences{
			AvoidStairs:        p.AvoidStairs != nil && *p.AvoidStairs,
			PreferBikeParkings: p.PreferBikeParkings != nil && *p.PreferBikeParkings,
		}
	}

	return query, nil
}

// ToWeatherQuery derives the weather window from the planner's duration
// estimate for the candidate route.
func ToWeatherQuery(req *RouteRequest, query *PlannerQuery, planned *PlannerResult) *WeatherQuery {
	wq := &WeatherQuery{
		Origin:          query.Origin,
		Destination:     query.Destination,
		DepartureTime:   query.DepartureTime,
		DurationMinutes: tripDuration(planned),
	}
	if p := req.Preferences; p != nil {
		wq.AvoidRain = p.AvoidRain
		wq.WindTolerance = p.WindTolerance
	}
	return wq
}

func tripDuration(planned *PlannerResult) int {
	minutes := 0
	switch {
	case planned.RecommendedPlan != nil:
		minutes = planned.RecommendedPlan.TotalDurationMinutes
	case planned.FallbackPlan != nil:
		minutes = planned.FallbackPlan.TotalDurationMinutes
	}
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

func checkLocation(verr *ValidationError, field string, loc *Location) {
	if loc == nil {
		verr.add(field, "is required")
		return
	}
	if loc.Lat < -90 || loc.Lat > 90 {
		verr.add(field+".lat", fmt.Sprintf("latitude %g out of range [-90, 90]", loc.Lat))
	}
	if loc.Lon < -180 || loc.Lon > 180 {
		verr.add(field+".lon", fmt.Sprintf("longitude %g out of range [-180, 180]", loc.Lon))
	}
}

func departureTime(raw string, now time.Time) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, departureNow) {
		return now.UTC().Format(time.RFC3339), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return "", errors.New("must be an RFC 3339 timestamp")
	}
	return t.UTC().Format(time.RFC3339), nil
}
