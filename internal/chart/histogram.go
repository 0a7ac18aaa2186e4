// Package chart renders histograms of prescription quantities as PNG images.
package chart

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// MaxBins bounds the bin count so one outlier cannot allocate millions of
// bins.
const MaxBins = 10000

var (
	// ErrNoData is returned for a histogram with no values.
	ErrNoData = errors.New("no values to plot")
	// ErrLayoutTooSmall is returned when there are more panels than cells.
	ErrLayoutTooSmall = errors.New("layout has fewer cells than panels")
)

// Options controls histogram rendering.
type Options struct {
	Title  string
	XLabel string
	Bins   int
	Grid   bool
	// ShareX gives every panel of a grouped figure the same x range.
	ShareX bool
	// Rows and Cols lay out grouped panels; zero means one column with a row
	// per panel.
	Rows, Cols    int
	Width, Height vg.Length
}

// DefaultOptions mirrors a plain dataframe histogram: ten bins with a grid.
func DefaultOptions() Options {
	return Options{
		XLabel: "QUANTITY",
		Bins:   10,
		Grid:   true,
		Width:  6 * vg.Inch,
		Height: 4 * vg.Inch,
	}
}

// Panel is one histogram within a grouped figure.
type Panel struct {
	Title  string
	Values []float64
}

// Figure is a rendered layout of one or more histograms.
type Figure struct {
	plots      []*plot.Plot
	rows, cols int
	width      vg.Length
	height     vg.Length
}

// BinsPerValue returns one bin per unit of top, clamped to [1, MaxBins].
func BinsPerValue(top float64) int {
	if math.IsNaN(top) || top < 1 {
		return 1
	}
	if top > MaxBins {
		return MaxBins
	}
	return int(top)
}

// Histogram builds a single-panel figure.
func Histogram(values []float64, opts Options) (*Figure, error) {
	p, err := newPlot(opts.Title, values, opts)
	if err != nil {
		return nil, err
	}
	return &Figure{plots: []*plot.Plot{p}, rows: 1, cols: 1, width: opts.Width, height: opts.Height}, nil
}

// Grouped builds one panel per group laid out on a Rows x Cols grid.
func Grouped(panels []Panel, opts Options) (*Figure, error) {
	if len(panels) == 0 {
		return nil, ErrNoData
	}
	rows, cols := opts.Rows, opts.Cols
	if cols <= 0 {
		cols = 1
	}
	if rows <= 0 {
		rows = (len(panels) + cols - 1) / cols
	}
	if rows*cols < len(panels) {
		return nil, fmt.Errorf("%w: %d panels, layout %dx%d", ErrLayoutTooSmall, len(panels), rows, cols)
	}

	plots := make([]*plot.Plot, len(panels))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, panel := range panels {
		p, err := newPlot(panel.Title, panel.Values, opts)
		if err != nil {
			return nil, fmt.Errorf("panel %q: %w", panel.Title, err)
		}
		plots[i] = p
		lo = math.Min(lo, p.X.Min)
		hi = math.Max(hi, p.X.Max)
	}
	if opts.ShareX {
		for _, p := range plots {
			p.X.Min, p.X.Max = lo, hi
		}
	}

	return &Figure{plots: plots, rows: rows, cols: cols, width: opts.Width, height: opts.Height}, nil
}

func newPlot(title string, values []float64, opts Options) (*plot.Plot, error) {
	if len(values) == 0 {
		return nil, ErrNoData
	}
	bins := opts.Bins
	if bins <= 0 {
		bins = DefaultOptions().Bins
	}
	if bins > MaxBins {
		bins = MaxBins
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = opts.XLabel

	h, err := plotter.NewHist(plotter.Values(values), bins)
	if err != nil {
		return nil, fmt.Errorf("build histogram: %w", err)
	}
	if opts.Grid {
		p.Add(plotter.NewGrid())
	}
	p.Add(h)
	return p, nil
}

// Panels returns the number of histograms in the figure.
func (f *Figure) Panels() int { return len(f.plots) }

// WriteTo renders the figure as PNG.
func (f *Figure) WriteTo(w io.Writer) (int64, error) {
	width, height := f.width, f.height
	if width <= 0 {
		width = DefaultOptions().Width
	}
	if height <= 0 {
		height = DefaultOptions().Height
	}

	img := vgimg.New(width, height)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      f.rows,
		Cols:      f.cols,
		PadTop:    vg.Points(4),
		PadBottom: vg.Points(4),
		PadLeft:   vg.Points(4),
		PadRight:  vg.Points(4),
		PadX:      vg.Points(8),
		PadY:      vg.Points(8),
	}
	for i, p := range f.plots {
		p.Draw(tiles.At(dc, i%f.cols, i/f.cols))
	}

	return vgimg.PngCanvas{Canvas: img}.WriteTo(w)
}

// Save writes the figure to path, creating parent directories.
func (f *Figure) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create chart dir: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.WriteTo(out); err != nil {
		out.Close()
		return fmt.Errorf("render %s: %w", path, err)
	}
	return out.Close()
}
