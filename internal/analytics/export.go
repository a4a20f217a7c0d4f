package analytics

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/errors"
)

// Format is an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat validates an export format; empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", errors.Validation("unsupported export format", map[string]string{"format": s})
}

// Payload is an encoded export ready to be written to a response.
type Payload struct {
	ContentType string
	Filename    string
	Body        []byte
}

var csvHeader = []string{
	"section", "county", "date", "species",
	"total_samples", "positive_cases", "positivity_rate", "vector_count", "percentage",
}

// Export computes the summary for q and encodes it.
func (e *Engine) Export(ctx context.Context, format Format, q Query) (*Payload, error) {
	snap, err := e.ComputeSummary(ctx, q)
	if err != nil {
		return nil, err
	}

	scope := "all"
	if snap.County != "" {
		scope = strings.ToLower(snap.County)
	}
	base := fmt.Sprintf("surveillance_%s_%s_%s",
		scope, snap.Range.Start.Format("20060102"), snap.Range.End.Format("20060102"))

	switch format {
	case FormatCSV:
		body, err := encodeCSV(snap)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode csv export")
		}
		return &Payload{ContentType: "text/csv; charset=utf-8", Filename: base + ".csv", Body: body}, nil
	default:
		body, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode json export")
		}
		return &Payload{ContentType: "application/json", Filename: base + ".json", Body: body}, nil
	}
}

// encodeCSV flattens the snapshot into one table; the section column tells
// which part of the snapshot a row belongs to.
func encodeCSV(snap canonical.AnalyticsSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	rows := [][]string{{
		"summary", snap.County, "", "",
		strconv.Itoa(snap.TotalSamples), strconv.Itoa(snap.PositiveCases), formatRate(snap.PositivityRate), "", "",
	}}
	for _, c := range snap.GeographicDistribution {
		rows = append(rows, []string{
			"county", c.County, "", "",
			strconv.Itoa(c.TotalSamples), strconv.Itoa(c.PositiveCases), formatRate(c.PositivityRate), "", "",
		})
	}
	for _, d := range snap.TemporalTrends {
		rows = append(rows, []string{
			"daily", snap.County, d.Date.Format("2006-01-02"), "",
			strconv.Itoa(d.TotalSamples), strconv.Itoa(d.PositiveCases), "", strconv.Itoa(d.VectorCount), "",
		})
	}
	for _, s := range snap.SpeciesBreakdown {
		rows = append(rows, []string{
			"species", snap.County, "", s.Species,
			"", "", "", strconv.Itoa(s.Count), strconv.FormatFloat(s.Percentage, 'f', 1, 64),
		})
	}

	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write rows: %w", err)
	}
	return buf.Bytes(), nil
}

func formatRate(r float64) string {
	return strconv.FormatFloat(r, 'f', 6, 64)
}
