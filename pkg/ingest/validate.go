package ingest

import (
	"fmt"
	"math"
	"time"

	"github.com/zoff-tech/go-eventspool/pkg/logging"
)

// validatorFunc applies the type-specific required-field checks for one
// event shape.
type validatorFunc func(rec Record) error

// validators maps the event "type" field to its shape check. Adding a new
// event shape means adding one entry here.
var validators = map[string]validatorFunc{
	"encounter": validateEncounter,
	"result":    validateResult,
	"faint":     validateFaint,
}

// knownMethods and knownStatuses are the enum values the current producers
// emit. Unknown values warn instead of failing so a newer producer does not
// break an older watcher.
var knownMethods = map[string]struct{}{
	"grass": {}, "surf": {}, "cave": {}, "fishing": {},
	"gift": {}, "static": {}, "egg": {}, "trade": {},
}

var knownStatuses = map[string]struct{}{
	"caught": {}, "fled": {}, "defeated": {}, "failed": {},
}

// Normalize validates rec's minimal shape and fills in identity fields the
// producer may have omitted. The record is mutated in place and returned; no
// field is ever silently dropped. A producer-supplied run/player identity is
// preserved, but delivery always uses the watcher's own configured identity.
func Normalize(rec Record, runID, playerID string) (Record, error) {
	typ, ok := stringField(rec, "type")
	if !ok || typ == "" {
		return nil, fmt.Errorf("record is missing required field %q", "type")
	}

	if _, present := rec["run_id"]; !present {
		rec["run_id"] = runID
	}
	if _, present := rec["player_id"]; !present {
		rec["player_id"] = playerID
	}

	if raw, present := rec["time"]; present {
		ts, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("field %q must be a string timestamp, got %T", "time", raw)
		}
		if _, err := parseTimestamp(ts); err != nil {
			return nil, fmt.Errorf("field %q is not a valid ISO-8601 timestamp: %w", "time", err)
		}
	} else {
		rec["time"] = time.Now().UTC().Format(time.RFC3339)
	}

	if validate, known := validators[typ]; known {
		if err := validate(rec); err != nil {
			return nil, fmt.Errorf("invalid %q record: %w", typ, err)
		}
	} else {
		logging.Warn().Str("type", typ).Msg("no shape validator for event type, passing through")
	}

	return rec, nil
}

// parseTimestamp accepts RFC 3339 (trailing Z or explicit offset) and the
// naive form without a zone, which is taken as UTC.
func parseTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse("2006-01-02T15:04:05", value)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

func validateEncounter(rec Record) error {
	if _, ok := stringField(rec, "location"); !ok {
		return fmt.Errorf("missing or non-string field %q", "location")
	}
	if _, ok := stringField(rec, "species"); !ok {
		return fmt.Errorf("missing or non-string field %q", "species")
	}
	level, ok := numberField(rec, "level")
	if !ok {
		return fmt.Errorf("missing or non-numeric field %q", "level")
	}
	if level != math.Trunc(level) || level < 1 {
		return fmt.Errorf("field %q must be a positive integer, got %v", "level", level)
	}
	if _, ok := rec["shiny"].(bool); !ok {
		return fmt.Errorf("missing or non-boolean field %q", "shiny")
	}
	method, ok := stringField(rec, "method")
	if !ok {
		return fmt.Errorf("missing or non-string field %q", "method")
	}
	if _, known := knownMethods[method]; !known {
		logging.Warn().Str("method", method).Msg("unknown encounter method")
	}
	return nil
}

func validateResult(rec Record) error {
	if _, ok := stringField(rec, "encounter_id"); !ok {
		return fmt.Errorf("missing or non-string field %q", "encounter_id")
	}
	status, ok := stringField(rec, "status")
	if !ok {
		return fmt.Errorf("missing or non-string field %q", "status")
	}
	if _, known := knownStatuses[status]; !known {
		logging.Warn().Str("status", status).Msg("unknown result status")
	}
	return nil
}

func validateFaint(rec Record) error {
	if _, ok := stringField(rec, "pokemon"); !ok {
		return fmt.Errorf("missing or non-string field %q", "pokemon")
	}
	slot, ok := numberField(rec, "slot")
	if !ok {
		return fmt.Errorf("missing or non-numeric field %q", "slot")
	}
	if slot != math.Trunc(slot) || slot < 0 {
		return fmt.Errorf("field %q must be a non-negative integer, got %v", "slot", slot)
	}
	return nil
}

func stringField(rec Record, key string) (string, bool) {
	v, ok := rec[key].(string)
	return v, ok
}

func numberField(rec Record, key string) (float64, bool) {
	v, ok := rec[key].(float64)
	return v, ok
}
