package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSource(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadFileSkipsBlanksAndComments(t *testing.T) {
	path := writeSource(t, `
# emulator restart marker
{"type":"encounter","location":"route-1"}

{"type":"faint","pokemon":"p-1","slot":2}
# trailing comment
`)

	var lines []int
	var types []string
	err := ReadFile(path, func(line int, rec Record) error {
		lines = append(lines, line)
		types = append(types, rec["type"].(string))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5}, lines)
	assert.Equal(t, []string{"encounter", "faint"}, types)
}

func TestReadFileReportsMalformedLineNumber(t *testing.T) {
	path := writeSource(t, `{"type":"encounter"}
{"type": broken
{"type":"faint"}
`)

	seen := 0
	err := ReadFile(path, func(line int, rec Record) error {
		seen++
		return nil
	})
	require.Error(t, err)

	var lineErr *LineError
	require.ErrorAs(t, err, &lineErr)
	assert.Equal(t, 2, lineErr.Line)
	assert.Equal(t, 1, seen)
}

func TestNormalizeRequiresType(t *testing.T) {
	_, err := Normalize(Record{"location": "route-1"}, "run-1", "player-1")
	assert.ErrorContains(t, err, `"type"`)

	_, err = Normalize(Record{"type": ""}, "run-1", "player-1")
	assert.Error(t, err)
}

func TestNormalizeInjectsIdentityAndTime(t *testing.T) {
	rec, err := Normalize(Record{"type": "custom"}, "run-1", "player-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", rec["run_id"])
	assert.Equal(t, "player-1", rec["player_id"])

	ts, ok := rec["time"].(string)
	require.True(t, ok)
	parsed, err := time.Parse(time.RFC3339, ts)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), parsed, time.Minute)
}

func TestNormalizeKeepsProducerIdentity(t *testing.T) {
	rec, err := Normalize(Record{"type": "custom", "run_id": "their-run", "player_id": "their-player"}, "run-1", "player-1")
	require.NoError(t, err)
	assert.Equal(t, "their-run", rec["run_id"])
	assert.Equal(t, "their-player", rec["player_id"])
}

func TestNormalizeValidatesExistingTime(t *testing.T) {
	_, err := Normalize(Record{"type": "custom", "time": "2025-06-01T12:00:00Z"}, "r", "p")
	assert.NoError(t, err)

	_, err = Normalize(Record{"type": "custom", "time": "2025-06-01T12:00:00"}, "r", "p")
	assert.NoError(t, err, "naive timestamps are taken as UTC")

	_, err = Normalize(Record{"type": "custom", "time": "yesterday-ish"}, "r", "p")
	assert.Error(t, err)

	_, err = Normalize(Record{"type": "custom", "time": 1717243200.0}, "r", "p")
	assert.Error(t, err, "numeric timestamps are rejected")
}

func validEncounter() Record {
	return Record{
		"type":     "encounter",
		"location": "route-3",
		"species":  "zubat",
		"level":    9.0,
		"shiny":    false,
		"method":   "cave",
	}
}

func TestNormalizeEncounterShape(t *testing.T) {
	_, err := Normalize(validEncounter(), "r", "p")
	assert.NoError(t, err)

	for _, missing := range []string{"location", "species", "level", "shiny", "method"} {
		rec := validEncounter()
		delete(rec, missing)
		_, err := Normalize(rec, "r", "p")
		assert.Error(t, err, "missing %s must fail", missing)
	}

	rec := validEncounter()
	rec["level"] = "nine"
	_, err = Normalize(rec, "r", "p")
	assert.Error(t, err)

	rec = validEncounter()
	rec["level"] = 9.5
	_, err = Normalize(rec, "r", "p")
	assert.Error(t, err)

	// Unknown method is tolerated (forward compatibility), only warned.
	rec = validEncounter()
	rec["method"] = "headbutt"
	_, err = Normalize(rec, "r", "p")
	assert.NoError(t, err)
}

func TestNormalizeResultShape(t *testing.T) {
	rec := Record{"type": "result", "encounter_id": "e-1", "status": "caught"}
	_, err := Normalize(rec, "r", "p")
	assert.NoError(t, err)

	_, err = Normalize(Record{"type": "result", "status": "caught"}, "r", "p")
	assert.Error(t, err)

	_, err = Normalize(Record{"type": "result", "encounter_id": "e-1"}, "r", "p")
	assert.Error(t, err)

	// Unknown status warns but passes.
	rec = Record{"type": "result", "encounter_id": "e-1", "status": "traded-away"}
	_, err = Normalize(rec, "r", "p")
	assert.NoError(t, err)
}

func TestNormalizeFaintShape(t *testing.T) {
	_, err := Normalize(Record{"type": "faint", "pokemon": "p-7", "slot": 3.0}, "r", "p")
	assert.NoError(t, err)

	_, err = Normalize(Record{"type": "faint", "slot": 3.0}, "r", "p")
	assert.Error(t, err)

	_, err = Normalize(Record{"type": "faint", "pokemon": "p-7"}, "r", "p")
	assert.Error(t, err)

	_, err = Normalize(Record{"type": "faint", "pokemon": "p-7", "slot": -1.0}, "r", "p")
	assert.Error(t, err)

	_, err = Normalize(Record{"type": "faint", "pokemon": "p-7", "slot": 2.5}, "r", "p")
	assert.Error(t, err)
}
