// Package report exports pipeline runs to an xlsx workbook.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"signalhub-go/internal/analysis"
	"signalhub-go/internal/debuglog"
	"signalhub-go/internal/tracker"
	"signalhub-go/internal/types"
)

const (
	SheetRuns     = "Runs"
	SheetSteps    = "Steps"
	SheetDebug    = "Debug"
	SheetInsights = "Insights"
)

// Input is everything that goes into one workbook. Debug and Insight are
// optional.
type Input struct {
	Runs    []tracker.Status
	Debug   map[string][]debuglog.Record
	Insight *analysis.Insight
	Action  *analysis.ActionCard
}

// Build lays out the workbook. The caller owns the returned file.
func Build(in Input) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), SheetRuns); err != nil {
		f.Close()
		return nil, err
	}
	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, err
	}

	runs := append([]tracker.Status(nil), in.Runs...)
	sort.Slice(runs, func(i, j int) bool { return runs[i].CallID < runs[j].CallID })

	if err := writeRuns(f, runs, header); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeSteps(f, runs, header); err != nil {
		f.Close()
		return nil, err
	}
	if len(in.Debug) > 0 {
		if err := writeDebug(f, in.Debug, header); err != nil {
			f.Close()
			return nil, err
		}
	}
	if in.Insight != nil {
		if err := writeInsights(f, *in.Insight, in.Action, header); err != nil {
			f.Close()
			return nil, err
		}
	}
	f.SetActiveSheet(0)
	return f, nil
}

// Write builds the workbook and streams it to w.
func Write(w io.Writer, in Input) error {
	f, err := Build(in)
	if err != nil {
		return fmt.Errorf("build report: %w", err)
	}
	defer f.Close()
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func writeRuns(f *excelize.File, runs []tracker.Status, style int) error {
	head := []any{"call_id", "overall_status", "total_duration_seconds"}
	for _, s := range types.Steps {
		head = append(head, string(s))
	}
	head = append(head, "error")
	rows := [][]any{head}
	for _, r := range runs {
		row := []any{r.CallID, r.Overall, r.TotalDurationSeconds}
		var errs []string
		for _, s := range types.Steps {
			rec := r.Step(s)
			row = append(row, string(rec.Status))
			if rec.Error != nil {
				errs = append(errs, fmt.Sprintf("%s: %s", s, rec.Error.Message))
			}
		}
		rows = append(rows, append(row, strings.Join(errs, "; ")))
	}
	return writeSheet(f, SheetRuns, rows, style)
}

func writeSteps(f *excelize.File, runs []tracker.Status, style int) error {
	rows := [][]any{{"call_id", "step", "status", "started_at", "duration_seconds", "error_kind", "error"}}
	for _, r := range runs {
		for _, rec := range r.Steps {
			if rec.Status == types.StepPending {
				continue
			}
			var started string
			if rec.StartedAt != nil {
				started = rec.StartedAt.UTC().Format(time.RFC3339)
			}
			var dur any = ""
			if rec.DurationSeconds != nil {
				dur = *rec.DurationSeconds
			}
			var kind, msg string
			if rec.Error != nil {
				kind, msg = rec.Error.Kind, rec.Error.Message
			}
			rows = append(rows, []any{r.CallID, string(rec.Step), string(rec.Status), started, dur, kind, msg})
		}
	}
	if _, err := f.NewSheet(SheetSteps); err != nil {
		return err
	}
	return writeSheet(f, SheetSteps, rows, style)
}

func writeDebug(f *excelize.File, debug map[string][]debuglog.Record, style int) error {
	var all []debuglog.Record
	for _, recs := range debug {
		all = append(all, recs...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Timestamp.Before(all[j].Timestamp)
		}
		return all[i].CallID < all[j].CallID
	})
	rows := [][]any{{"timestamp", "call_id", "event", "step", "status", "error_kind", "error", "data"}}
	for _, rec := range all {
		data := ""
		if len(rec.Data) > 0 {
			if b, err := json.Marshal(rec.Data); err == nil {
				data = string(b)
			}
		}
		rows = append(rows, []any{
			rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.CallID, string(rec.Event),
			string(rec.Step), rec.Status, rec.ErrorKind, rec.Error, data,
		})
	}
	if _, err := f.NewSheet(SheetDebug); err != nil {
		return err
	}
	return writeSheet(f, SheetDebug, rows, style)
}

func writeInsights(f *excelize.File, ins analysis.Insight, card *analysis.ActionCard, style int) error {
	rows := [][]any{
		{"metric", "value"},
		{"calls", ins.Calls},
		{"high_risk_rate", ins.HighRiskRate},
		{"top_keywords", strings.Join(ins.TopKeywords, ", ")},
	}
	for _, k := range sortedKeys(ins.IntentCounts) {
		rows = append(rows, []any{"intent: " + k, ins.IntentCounts[k]})
	}
	for _, k := range sortedKeys(ins.SentimentShare) {
		rows = append(rows, []any{"sentiment share: " + k, ins.SentimentShare[k]})
	}
	if card != nil {
		rows = append(rows,
			[]any{"insight", card.Insight},
			[]any{"action", card.Action},
			[]any{"impact", card.Impact},
		)
	}
	if _, err := f.NewSheet(SheetInsights); err != nil {
		return err
	}
	return writeSheet(f, SheetInsights, rows, style)
}

func writeSheet(f *excelize.File, sheet string, rows [][]any, style int) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, i+1, err)
		}
	}
	if err := f.SetRowStyle(sheet, 1, 1, style); err != nil {
		return err
	}
	return f.SetColWidth(sheet, "A", "B", 24)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
