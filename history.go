package esteps

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// CalibrationRecord is one finished calibration run as stored by the controller
type CalibrationRecord struct {
	ID           int64        `json:"id,omitempty"`
	CreatedAt    time.Time    `json:"creation_date"`
	FilamentName string       `json:"filament_name"`
	FilamentType FilamentType `json:"filament_type"`
	HotendTemp   float64      `json:"hotend_temp"`
	OldESteps    float64      `json:"old_esteps"`
	NewESteps    float64      `json:"new_esteps"`
}

// same reports whether r and o describe the same stored run
func (r CalibrationRecord) same(o CalibrationRecord) bool {
	if r.ID != 0 && o.ID != 0 {
		return r.ID == o.ID
	}
	return r.CreatedAt.Equal(o.CreatedAt) &&
		r.FilamentName == o.FilamentName &&
		r.FilamentType == o.FilamentType &&
		r.HotendTemp == o.HotendTemp &&
		r.OldESteps == o.OldESteps &&
		r.NewESteps == o.NewESteps
}

// HistoryView is a paginated, single-selection list of calibration records.
// It holds presentational state only and is not safe for concurrent use.
type HistoryView struct {
	pageSize int
	records  []CalibrationRecord
	page     int
	selected int // index into records, -1 when nothing is selected
}

// NewHistoryView returns an empty view; pageSize below 1 is treated as 1
func NewHistoryView(pageSize int) *HistoryView {
	if pageSize < 1 {
		pageSize = 1
	}
	return &HistoryView{pageSize: pageSize, selected: -1}
}

// Load replaces the full record set and resets paging and selection
func (h *HistoryView) Load(records []CalibrationRecord) {
	h.records = append([]CalibrationRecord(nil), records...)
	h.page = 0
	h.selected = -1
}

func (h *HistoryView) PageSize() int { return h.pageSize }

func (h *HistoryView) Count() int { return len(h.records) }

// TotalPages returns the zero-indexed last page, ceil(count/pageSize)-1, or 0 when empty
func (h *HistoryView) TotalPages() int {
	if len(h.records) == 0 {
		return 0
	}
	return (len(h.records)+h.pageSize-1)/h.pageSize - 1
}

// CurrentPage is the zero-indexed page Next and Previous move from
func (h *HistoryView) CurrentPage() int { return h.page }

// Page returns records [n*pageSize, (n+1)*pageSize), clipped to the set
func (h *HistoryView) Page(n int) []CalibrationRecord {
	start := n * h.pageSize
	if n < 0 || start >= len(h.records) {
		return nil
	}
	end := start + h.pageSize
	if end > len(h.records) {
		end = len(h.records)
	}
	return append([]CalibrationRecord(nil), h.records[start:end]...)
}

// Current returns the records on the current page
func (h *HistoryView) Current() []CalibrationRecord {
	return h.Page(h.page)
}

// SetPage jumps to page n, clamped to [0, TotalPages]
func (h *HistoryView) SetPage(n int) {
	if n < 0 {
		n = 0
	}
	if last := h.TotalPages(); n > last {
		n = last
	}
	h.page = n
}

func (h *HistoryView) Next() { h.SetPage(h.page + 1) }

func (h *HistoryView) Previous() { h.SetPage(h.page - 1) }

// Select toggles the selection of rec. Selecting the selected record clears
// the selection. Records not in the loaded set are rejected.
func (h *HistoryView) Select(rec CalibrationRecord) error {
	for i, r := range h.records {
		if !r.same(rec) {
			continue
		}
		if h.selected == i {
			h.selected = -1
		} else {
			h.selected = i
		}
		return nil
	}
	return errors.New("record is not part of the loaded history")
}

// Selected returns the selected record, if any
func (h *HistoryView) Selected() (CalibrationRecord, bool) {
	if h.selected < 0 || h.selected >= len(h.records) {
		return CalibrationRecord{}, false
	}
	return h.records[h.selected], true
}

// historyEntry mirrors the JSON the plugin serves for one stored run. Both the
// documented field names and the database column names are accepted.
type historyEntry struct {
	ID                int64           `json:"databaseId"`
	CreationDate      json.RawMessage `json:"creationDate"`
	Created           json.RawMessage `json:"created"`
	FilamentName      string          `json:"filamentName"`
	FilamentType      json.RawMessage `json:"filamentType"`
	HotendTemp        json.RawMessage `json:"hotendTemp"`
	HotendTemperature json.RawMessage `json:"hotendTemperature"`
	OldEsteps         json.RawMessage `json:"oldEsteps"`
	OldESteps         json.RawMessage `json:"oldESteps"`
	NewESteps         json.RawMessage `json:"newESteps"`
	NewEsteps         json.RawMessage `json:"newEsteps"`
}

// DecodeHistory parses the plugin's eStepCalibrations response
func DecodeHistory(body []byte) ([]CalibrationRecord, error) {
	var entries []historyEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, errors.Wrap(err, "malformed history payload")
	}

	records := make([]CalibrationRecord, 0, len(entries))
	for i, e := range entries {
		rec, err := e.record()
		if err != nil {
			return nil, errors.Wrapf(err, "history entry %d", i)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (e historyEntry) record() (CalibrationRecord, error) {
	rec := CalibrationRecord{ID: e.ID, FilamentName: e.FilamentName}

	created := e.CreationDate
	if len(created) == 0 {
		created = e.Created
	}
	if len(created) > 0 && string(created) != "null" {
		var s string
		if err := json.Unmarshal(created, &s); err != nil {
			return rec, errors.Wrap(err, "creationDate")
		}
		t, err := parseTimestamp(s)
		if err != nil {
			return rec, err
		}
		rec.CreatedAt = t
	}

	ft, err := decodeFilamentType(e.FilamentType)
	if err != nil {
		return rec, err
	}
	rec.FilamentType = ft

	for _, f := range []struct {
		name string
		raw  []json.RawMessage
		dst  *float64
	}{
		{"hotendTemp", []json.RawMessage{e.HotendTemp, e.HotendTemperature}, &rec.HotendTemp},
		{"oldEsteps", []json.RawMessage{e.OldEsteps, e.OldESteps}, &rec.OldESteps},
		{"newESteps", []json.RawMessage{e.NewESteps, e.NewEsteps}, &rec.NewESteps},
	} {
		for _, raw := range f.raw {
			v, ok, err := parseNumber(raw)
			if err != nil {
				return rec, errors.Wrap(err, f.name)
			}
			if ok {
				*f.dst = v
				break
			}
		}
	}
	return rec, nil
}

// decodeFilamentType accepts "PLA" as well as {"name": "PLA"}. Unknown
// materials are kept verbatim since history is display-only.
func decodeFilamentType(raw json.RawMessage) (FilamentType, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var name string
	if raw[0] == '{' {
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", errors.Wrap(err, "filamentType")
		}
		name = obj.Name
	} else if err := json.Unmarshal(raw, &name); err != nil {
		return "", errors.Wrap(err, "filamentType")
	}
	return normalizeFilamentType(name), nil
}

func normalizeFilamentType(name string) FilamentType {
	if ft, err := ParseFilamentType(name); err == nil {
		return ft
	}
	return FilamentType(name)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.RFC1123Z,
}

// parseTimestamp handles ISO timestamps, Python's str(datetime) and the
// RFC 1123 dates flask.jsonify produces
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognised timestamp %q", s)
}
