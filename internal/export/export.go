// internal/export/export.go

// Package export writes the append-only trade log out as CSV or JSON for
// accounting and reconciliation.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/avelinsk/pumpsentry/internal/storage/models"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Options filters and formats one export run. Zero times mean no time
// bound; empty filters match everything.
type Options struct {
	Format        Format
	StartTime     time.Time
	EndTime       time.Time
	SideFilter    string // "buy" or "sell"
	TriggerFilter string
	OutputDir     string
}

type TradeExporter struct {
	logger *zap.Logger
}

func NewTradeExporter(logger *zap.Logger) *TradeExporter {
	return &TradeExporter{logger: logger.Named("export")}
}

// ExportTrades writes the filtered trades to a timestamped file and
// returns its path.
func (te *TradeExporter) ExportTrades(trades []*models.TradeRecord, opts Options) (string, error) {
	filtered := filterTrades(trades, opts)
	if len(filtered) == 0 {
		return "", fmt.Errorf("no trades match the export criteria")
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
	})

	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	outputPath := filepath.Join(opts.OutputDir, filename(opts))

	var err error
	switch opts.Format {
	case FormatCSV:
		err = writeCSV(filtered, outputPath)
	case FormatJSON:
		err = writeJSON(filtered, outputPath)
	default:
		err = fmt.Errorf("unsupported format: %s", opts.Format)
	}
	if err != nil {
		return "", err
	}

	te.logger.Info("trades exported",
		zap.String("file", outputPath),
		zap.Int("count", len(filtered)),
		zap.String("format", string(opts.Format)),
	)
	return outputPath, nil
}

func filterTrades(trades []*models.TradeRecord, opts Options) []*models.TradeRecord {
	var out []*models.TradeRecord
	for _, t := range trades {
		if !opts.StartTime.IsZero() && t.CreatedAt.Before(opts.StartTime) {
			continue
		}
		if !opts.EndTime.IsZero() && t.CreatedAt.After(opts.EndTime) {
			continue
		}
		if opts.SideFilter != "" && t.Side != opts.SideFilter {
			continue
		}
		if opts.TriggerFilter != "" && t.Trigger != opts.TriggerFilter {
			continue
		}
		out = append(out, t)
	}
	return out
}

func filename(opts Options) string {
	return fmt.Sprintf("trades_%s.%s", time.Now().UTC().Format("20060102_150405"), opts.Format)
}

func writeCSV(trades []*models.TradeRecord, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{
		"timestamp", "position_id", "user_id", "side", "trigger",
		"amount", "unit_price", "broadcast_id",
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			t.CreatedAt.UTC().Format(time.RFC3339),
			t.PositionID,
			t.UserID,
			t.Side,
			t.Trigger,
			strconv.FormatUint(t.Amount, 10),
			strconv.FormatFloat(t.UnitPrice, 'f', -1, 64),
			t.BroadcastID,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}

func writeJSON(trades []*models.TradeRecord, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(trades)
}
