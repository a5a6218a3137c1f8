package telemetry

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DefaultEntityType is used when a query names no entity type
const DefaultEntityType = "DEVICE"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their query parameter names
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		return field.Tag.Get("form")
	})
	return v
}

// ValidationError reports malformed caller input. It is raised before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// RawQuery is the query as received from the caller, bound from the query string
type RawQuery struct {
	Keys               string `form:"keys" validate:"required"`
	StartTs            string `form:"startTs" validate:"required"`
	EndTs              string `form:"endTs" validate:"required"`
	EntityType         string `form:"entityType"`
	EntityID           string `form:"entityId" validate:"required"`
	Interval           string `form:"interval"`
	Agg                string `form:"agg"`
	OrderBy            string `form:"orderBy"`
	Limit              string `form:"limit"`
	UseStrictDataTypes string `form:"useStrictDataTypes"`
}

// Query is a validated, canonical time-series query
type Query struct {
	EntityType      string
	EntityID        string
	Keys            []string
	StartTs         int64
	EndTs           int64
	Interval        *int64
	Agg             string
	OrderBy         string
	Limit           *int
	StrictDataTypes *bool
}

// Normalize validates raw and returns the canonical Query. Every rejection is
// a *ValidationError with a human-readable reason.
func Normalize(raw RawQuery) (Query, error) {
	raw = trimRaw(raw)

	if err := validate.Struct(raw); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			field := fieldErrs[0].Field()
			return Query{}, &ValidationError{Field: field, Reason: "missing required parameter: " + field}
		}
		return Query{}, &ValidationError{Reason: err.Error()}
	}

	startTs, err := strconv.ParseInt(raw.StartTs, 10, 64)
	if err != nil {
		return Query{}, &ValidationError{Field: "startTs", Reason: "startTs must be a numeric epoch-millisecond timestamp"}
	}
	endTs, err := strconv.ParseInt(raw.EndTs, 10, 64)
	if err != nil {
		return Query{}, &ValidationError{Field: "endTs", Reason: "endTs must be a numeric epoch-millisecond timestamp"}
	}
	if startTs >= endTs {
		return Query{}, &ValidationError{Field: "startTs", Reason: "startTs must be less than endTs"}
	}

	keys := splitKeys(raw.Keys)
	if len(keys) == 0 {
		return Query{}, &ValidationError{Field: "keys", Reason: "keys must contain at least one non-blank key"}
	}

	q := Query{
		EntityType: strings.ToUpper(raw.EntityType),
		EntityID:   raw.EntityID,
		Keys:       keys,
		StartTs:    startTs,
		EndTs:      endTs,
		Agg:        strings.ToUpper(raw.Agg),
		OrderBy:    strings.ToUpper(raw.OrderBy),
	}
	if q.EntityType == "" {
		q.EntityType = DefaultEntityType
	}

	if raw.Interval != "" {
		interval, err := strconv.ParseInt(raw.Interval, 10, 64)
		if err != nil || interval <= 0 {
			return Query{}, &ValidationError{Field: "interval", Reason: "interval must be a positive integer"}
		}
		q.Interval = &interval
	}

	if err := validate.Var(q.Agg, "omitempty,oneof=NONE AVG MIN MAX SUM"); err != nil {
		return Query{}, &ValidationError{Field: "agg", Reason: "agg must be one of NONE, AVG, MIN, MAX, SUM"}
	}
	if err := validate.Var(q.OrderBy, "omitempty,oneof=ASC DESC"); err != nil {
		return Query{}, &ValidationError{Field: "orderBy", Reason: "orderBy must be ASC or DESC"}
	}

	if raw.Limit != "" {
		limit, err := strconv.Atoi(raw.Limit)
		if err != nil || limit <= 0 {
			return Query{}, &ValidationError{Field: "limit", Reason: "limit must be a positive integer"}
		}
		q.Limit = &limit
	}

	if raw.UseStrictDataTypes != "" && strings.EqualFold(raw.UseStrictDataTypes, "true") {
		strict := true
		q.StrictDataTypes = &strict
	}

	return q, nil
}

// Params renders the upstream query string. Absent optional parameters are omitted.
func (q Query) Params() url.Values {
	params := url.Values{}
	params.Set("keys", strings.Join(q.Keys, ","))
	params.Set("startTs", strconv.FormatInt(q.StartTs, 10))
	params.Set("endTs", strconv.FormatInt(q.EndTs, 10))
	if q.Interval != nil {
		params.Set("interval", strconv.FormatInt(*q.Interval, 10))
	}
	if q.Agg != "" {
		params.Set("agg", q.Agg)
	}
	if q.OrderBy != "" {
		params.Set("orderBy", q.OrderBy)
	}
	if q.Limit != nil {
		params.Set("limit", strconv.Itoa(*q.Limit))
	}
	if q.StrictDataTypes != nil {
		params.Set("useStrictDataTypes", strconv.FormatBool(*q.StrictDataTypes))
	}
	return params
}

// Meta describes the query for API responses
func (q Query) Meta() map[string]interface{} {
	meta := map[string]interface{}{
		"entityType": q.EntityType,
		"entityId":   q.EntityID,
		"keys":       q.Keys,
		"startTs":    q.StartTs,
		"endTs":      q.EndTs,
	}
	if q.Interval != nil {
		meta["interval"] = *q.Interval
	}
	if q.Agg != "" {
		meta["agg"] = q.Agg
	}
	if q.OrderBy != "" {
		meta["orderBy"] = q.OrderBy
	}
	if q.Limit != nil {
		meta["limit"] = *q.Limit
	}
	if q.StrictDataTypes != nil {
		meta["useStrictDataTypes"] = *q.StrictDataTypes
	}
	return meta
}

func (q Query) String() string {
	return fmt.Sprintf("%s/%s keys=%s [%d,%d)", q.EntityType, q.EntityID, strings.Join(q.Keys, ","), q.StartTs, q.EndTs)
}

// splitKeys trims each key and drops blanks and duplicates, keeping first-seen order
func splitKeys(raw string) []string {
	seen := make(map[string]struct{})
	keys := make([]string, 0)
	for _, key := range strings.Split(raw, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

func trimRaw(raw RawQuery) RawQuery {
	raw.Keys = strings.TrimSpace(raw.Keys)
	raw.StartTs = strings.TrimSpace(raw.StartTs)
	raw.EndTs = strings.TrimSpace(raw.EndTs)
	raw.EntityType = strings.TrimSpace(raw.EntityType)
	raw.EntityID = strings.TrimSpace(raw.EntityID)
	raw.Interval = strings.TrimSpace(raw.Interval)
	raw.Agg = strings.TrimSpace(raw.Agg)
	raw.OrderBy = strings.TrimSpace(raw.OrderBy)
	raw.Limit = strings.TrimSpace(raw.Limit)
	raw.UseStrictDataTypes = strings.TrimSpace(raw.UseStrictDataTypes)
	return raw
}
