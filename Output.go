package pi_short_circuit

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"
)

// CSVHeader is the first row of every run log.
var CSVHeader = []string{"Time (s)", "Battery Voltage (V)", "Current (A)"}

// TimestampLayout names run files.
const TimestampLayout = "20060102-150405"

func fixed5(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(5)
}

// WriteCSV writes one row per sample with five decimal places.
func (d Dataset) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(CSVHeader); err != nil {
		return err
	}
	for _, s := range d.Samples {
		if err := writer.Write([]string{fixed5(s.Offset), fixed5(s.Voltage), fixed5(s.Current)}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WritePNG plots battery voltage and current against onset-aligned time.
func (d Dataset) WritePNG(w io.Writer) error {
	if len(d.Samples) < 2 {
		return fmt.Errorf("plot needs at least 2 samples, have %d", len(d.Samples))
	}

	t := make([]float64, len(d.Samples))
	volts := make([]float64, len(d.Samples))
	amps := make([]float64, len(d.Samples))
	for i, s := range d.Samples {
		t[i] = s.Offset
		volts[i] = s.Voltage
		amps[i] = s.Current
	}

	format := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  fmt.Sprintf("%s (%s)", d.Run, d.Decision),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			Name:           "Time (s)",
			ValueFormatter: format,
		},
		YAxis: chart.YAxis{
			Name:           "Battery Voltage (V)",
			ValueFormatter: format,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Current (A)",
			ValueFormatter: format,
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    "Battery Voltage",
				XValues: t,
				YValues: volts,
			},
			chart.ContinuousSeries{
				Name:    "Current",
				XValues: t,
				YValues: amps,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}
	return graph.Render(chart.PNG, w)
}

// RunFiles are the paths written by Save.
type RunFiles struct {
	CSV string
	PNG string
}

// BaseName is <run>-<timestamp>.
func (d Dataset) BaseName(when time.Time) string {
	return fmt.Sprintf("%s-%s", d.Run, when.Format(TimestampLayout))
}

// Save writes dir/<run>-<timestamp>.csv and, if plot is set, the matching .png.
func Save(dir string, d Dataset, when time.Time, plot bool) (RunFiles, error) {
	var files RunFiles
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return files, err
	}

	base := filepath.Join(dir, d.BaseName(when))
	files.CSV = base + ".csv"
	if err := writeFile(files.CSV, d.WriteCSV); err != nil {
		return files, err
	}

	if plot {
		files.PNG = base + ".png"
		if err := writeFile(files.PNG, d.WritePNG); err != nil {
			return files, err
		}
	}
	return files, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
