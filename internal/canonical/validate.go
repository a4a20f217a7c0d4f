package canonical

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError describes why a raw record cannot enter canonical storage.
type ValidationError struct {
	RecordKey string `json:"recordKey,omitempty"`
	Field     string `json:"field"`
	Reason    string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e.RecordKey != "" {
		return fmt.Sprintf("record %s: %s: %s", e.RecordKey, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// dateLayouts are the formats seen from LIMS exports and trap feeds.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"1/2/2006",
}

// resultAliases maps lower-cased free text to a result.
var resultAliases = map[string]Result{
	"positive":      ResultPositive,
	"pos":           ResultPositive,
	"detected":      ResultPositive,
	"reactive":      ResultPositive,
	"+":             ResultPositive,
	"negative":      ResultNegative,
	"neg":           ResultNegative,
	"not detected":  ResultNegative,
	"non-reactive":  ResultNegative,
	"nonreactive":   ResultNegative,
	"-":             ResultNegative,
	"indeterminate": ResultIndeterminate,
	"inconclusive":  ResultIndeterminate,
	"equivocal":     ResultIndeterminate,
}

// ParseDate parses a collection date and truncates it to the UTC day.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("date is empty")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Day(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// NormalizeResult maps free-text results. Unknown text becomes indeterminate
// and ok is false so the caller can record a warning.
func NormalizeResult(s string) (r Result, ok bool) {
	if r, found := resultAliases[strings.ToLower(strings.TrimSpace(s))]; found {
		return r, true
	}
	return ResultIndeterminate, false
}

// ValidateSample turns a raw lab record into a Sample. Unknown result text is
// not a failure; it is returned as a warning on the sample.
func ValidateSample(raw RawSample, regions RegionTable, now time.Time) (Sample, error) {
	key := raw.SampleID
	if strings.TrimSpace(raw.SampleID) == "" {
		return Sample{}, &ValidationError{Field: "sampleId", Reason: "missing sample identifier"}
	}
	if strings.TrimSpace(raw.SourceID) == "" {
		return Sample{}, &ValidationError{RecordKey: key, Field: "sourceId", Reason: "missing source identifier"}
	}

	collected, err := collectionDate(raw.CollectionDate, now)
	if err != nil {
		return Sample{}, &ValidationError{RecordKey: key, Field: "collectionDate", Reason: err.Error()}
	}

	county, ok := regions.Normalize(raw.County)
	if !ok {
		return Sample{}, &ValidationError{RecordKey: key, Field: "county", Reason: fmt.Sprintf("unknown region code %q", raw.County)}
	}

	location, err := geoPoint(raw.Latitude, raw.Longitude)
	if err != nil {
		return Sample{}, &ValidationError{RecordKey: key, Field: "location", Reason: err.Error()}
	}

	s := Sample{
		SourceID:       raw.SourceID,
		SampleID:       strings.TrimSpace(raw.SampleID),
		Revision:       raw.Revision,
		PatientID:      raw.PatientID,
		TestType:       strings.TrimSpace(raw.TestType),
		CollectionDate: collected,
		County:         county,
		Location:       location,
		IngestedAt:     now.UTC(),
	}
	if s.Revision < 1 {
		s.Revision = 1
	}

	result, known := NormalizeResult(raw.Result)
	s.Result = result
	if !known {
		s.Warnings = append(s.Warnings, fmt.Sprintf("unrecognized result %q mapped to indeterminate", raw.Result))
	}

	return s, nil
}

// ValidateVectorRecord turns a raw trap event into a VectorRecord.
func ValidateVectorRecord(raw RawVectorRecord, regions RegionTable, now time.Time) (VectorRecord, error) {
	key := raw.RecordKey
	if strings.TrimSpace(raw.RecordKey) == "" {
		return VectorRecord{}, &ValidationError{Field: "recordKey", Reason: "missing record key"}
	}
	if strings.TrimSpace(raw.Species) == "" {
		return VectorRecord{}, &ValidationError{RecordKey: key, Field: "species", Reason: "species is required"}
	}
	if raw.Count < 0 {
		return VectorRecord{}, &ValidationError{RecordKey: key, Field: "count", Reason: "count cannot be negative"}
	}

	collected, err := collectionDate(raw.CollectionDate, now)
	if err != nil {
		return VectorRecord{}, &ValidationError{RecordKey: key, Field: "collectionDate", Reason: err.Error()}
	}

	county, ok := regions.Normalize(raw.County)
	if !ok {
		return VectorRecord{}, &ValidationError{RecordKey: key, Field: "county", Reason: fmt.Sprintf("unknown region code %q", raw.County)}
	}

	location, err := geoPoint(raw.Latitude, raw.Longitude)
	if err != nil {
		return VectorRecord{}, &ValidationError{RecordKey: key, Field: "location", Reason: err.Error()}
	}

	weekEnding := EpiWeekEnding(collected)
	if raw.WeekEnding != "" {
		supplied, err := ParseDate(raw.WeekEnding)
		if err != nil {
			return VectorRecord{}, &ValidationError{RecordKey: key, Field: "weekEnding", Reason: err.Error()}
		}
		if supplied.Weekday() != time.Saturday {
			return VectorRecord{}, &ValidationError{RecordKey: key, Field: "weekEnding", Reason: "week ending must be a Saturday"}
		}
		if supplied.Before(collected) {
			return VectorRecord{}, &ValidationError{RecordKey: key, Field: "weekEnding", Reason: "week ending precedes collection date"}
		}
		weekEnding = supplied
	}

	return VectorRecord{
		ID:             VectorRecordID(raw.SourceID, raw.RecordKey),
		SourceID:       raw.SourceID,
		RecordKey:      strings.TrimSpace(raw.RecordKey),
		Species:        strings.TrimSpace(raw.Species),
		Count:          raw.Count,
		TrapType:       strings.TrimSpace(raw.TrapType),
		CollectionDate: collected,
		County:         county,
		Location:       location,
		WeekEnding:     weekEnding,
		IngestedAt:     now.UTC(),
	}, nil
}

func collectionDate(s string, now time.Time) (time.Time, error) {
	collected, err := ParseDate(s)
	if err != nil {
		return time.Time{}, err
	}
	if collected.After(Day(now)) {
		return time.Time{}, fmt.Errorf("collection date %s is in the future", collected.Format("2006-01-02"))
	}
	return collected, nil
}

func geoPoint(lat, lon *float64) (*GeoPoint, error) {
	if lat == nil && lon == nil {
		return nil, nil
	}
	if lat == nil || lon == nil {
		return nil, fmt.Errorf("latitude and longitude must be supplied together")
	}
	if *lat < -90 || *lat > 90 || *lon < -180 || *lon > 180 {
		return nil, fmt.Errorf("coordinates out of range")
	}
	return &GeoPoint{Latitude: *lat, Longitude: *lon}, nil
}
