// Package export writes an address's yield history as CSV or a PNG chart.
package export

import (
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/smartdevs17/usds-yield-tracker/internal/models"
	"github.com/smartdevs17/usds-yield-tracker/pkg/utils"
)

const (
	DefaultLimit     = 1000
	DefaultMaxPoints = 500
)

// HistorySource reads snapshots newest first. storage.EventStore satisfies it.
type HistorySource interface {
	GetYieldHistory(ctx context.Context, address string, limit int) ([]*models.YieldHistoryPoint, error)
}

// Options selects what to export and where.
type Options struct {
	Address   string
	CSVPath   string
	PNGPath   string
	Limit     int
	MaxPoints int
}

// Export writes the history of opts.Address and returns the number of points
// exported. An address without snapshots exports nothing.
func Export(ctx context.Context, src HistorySource, opts Options) (int, error) {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return 0, utils.NewAppError(utils.ErrCodeValidation, "At least one of --csv or --png must be provided")
	}
	if !utils.IsValidAddress(opts.Address) {
		return 0, utils.NewAppError(utils.ErrCodeValidation, "Invalid Ethereum address", opts.Address)
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = DefaultMaxPoints
	}

	logger := utils.ComponentLogger("export").WithField("address", utils.NormalizeAddress(opts.Address))

	history, err := src.GetYieldHistory(ctx, opts.Address, opts.Limit)
	if err != nil {
		return 0, err
	}
	if len(history) == 0 {
		logger.Info("No snapshots found for export")
		return 0, nil
	}

	// Oldest first
	points := make([]*models.YieldHistoryPoint, len(history))
	for i, p := range history {
		points[len(history)-1-i] = p
	}
	points = downsample(points, opts.MaxPoints)

	logger.WithFields(logrus.Fields{
		"total":    len(history),
		"exported": len(points),
	}).Info("Exporting yield history")

	if opts.CSVPath != "" {
		if err := writeCSV(opts.CSVPath, points); err != nil {
			return 0, err
		}
	}
	if opts.PNGPath != "" {
		if len(points) < 2 {
			return 0, utils.NewAppError(utils.ErrCodeValidation, "A chart needs at least two snapshots")
		}
		if err := writePNG(opts.PNGPath, points); err != nil {
			return 0, err
		}
	}
	return len(points), nil
}

// downsample keeps max evenly spaced points including both ends.
func downsample(points []*models.YieldHistoryPoint, max int) []*models.YieldHistoryPoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]*models.YieldHistoryPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeCSV(path string, points []*models.YieldHistoryPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"timestamp", "time", "block_number", "balance", "cumulative_yield", "credits_per_token"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, p := range points {
		record := []string{
			strconv.FormatInt(p.Timestamp, 10),
			time.Unix(p.Timestamp, 0).UTC().Format(time.RFC3339),
			strconv.FormatUint(p.BlockNumber, 10),
			p.Balance,
			p.CumulativeYield,
			p.CreditsPerToken,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePNG(path string, points []*models.YieldHistoryPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	balance := make([]float64, len(points))
	cumulative := make([]float64, len(points))
	for i, p := range points {
		x[i] = time.Unix(p.Timestamp, 0).UTC()
		balance[i] = toFloat(p.Balance)
		cumulative[i] = toFloat(p.CumulativeYield)
	}

	formatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Balance (USDs)",
			ValueFormatter: formatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Cumulative yield (USDs)",
			ValueFormatter: formatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Balance",
				XValues: x,
				YValues: balance,
			},
			chart.TimeSeries{
				Name:    "Cumulative yield",
				XValues: x,
				YValues: cumulative,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func toFloat(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
