// Package render turns the contribution dataset into a time-series chart
// with a fitted trend curve.
package render

import (
	"fmt"
	"image/color"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"contribtrend/internal/domain"
)

// UnknownAuthorError indicates a requested author has no entry in the dataset.
type UnknownAuthorError struct {
	Author string
}

func (e *UnknownAuthorError) Error() string {
	return fmt.Sprintf("author %q not found in dataset", e.Author)
}

// trendDegree is the degree of the fitted polynomial.
const trendDegree = 2

// minTrendPoints is the minimum number of distinct x values needed for the
// fit to be determined.
const minTrendPoints = trendDegree + 1

// Renderer reads a dataset and produces charts. It never mutates the dataset
// and performs no network or file I/O beyond saving the finished chart.
type Renderer struct {
	logger *logrus.Logger
}

// NewRenderer creates a new Renderer instance.
func NewRenderer(logger *logrus.Logger) *Renderer {
	return &Renderer{logger: logger}
}

// series is one plotted line: a single author's monthly counts from the
// starting month onward. The x coordinate is the month's offset from since.
type series struct {
	label  string
	xs     []float64
	ys     []float64
	total  float64
	months []domain.Month
}

// buildSeries filters the dataset to the requested authors and months on or
// after since. Anonymized labels are "Developer N", numbered in sorted login
// order so relative ordering is preserved without exposing identities.
func buildSeries(ds *domain.Dataset, authors []string, since domain.Month, anonymize bool) ([]series, error) {
	logins := make([]string, 0, len(authors))
	seen := make(map[string]bool, len(authors))
	for _, author := range authors {
		if seen[author] {
			continue
		}
		seen[author] = true
		if _, ok := ds.Authors[author]; !ok {
			return nil, &UnknownAuthorError{Author: author}
		}
		logins = append(logins, author)
	}
	sort.Strings(logins)

	out := make([]series, 0, len(logins))
	for i, login := range logins {
		counts := ds.Authors[login]
		months := make([]domain.Month, 0, len(counts))
		for m := range counts {
			if !m.Before(since) {
				months = append(months, m)
			}
		}
		sort.Slice(months, func(a, b int) bool { return months[a].Before(months[b]) })

		s := series{label: login, months: months}
		if anonymize {
			s.label = fmt.Sprintf("Developer %d", i+1)
		}
		for _, m := range months {
			s.xs = append(s.xs, float64(m.Index(since)))
			s.ys = append(s.ys, float64(counts[m]))
		}
		if len(s.ys) > 0 {
			// Errors only occur on empty input, which is excluded here.
			s.total, _ = stats.Sum(stats.Float64Data(s.ys))
		}
		out = append(out, s)
	}

	// Legend ordering: most prolific first.
	sort.SliceStable(out, func(a, b int) bool { return out[a].total > out[b].total })
	return out, nil
}

// polyfit computes least-squares polynomial coefficients c[0] + c[1]x + ...
// by QR factorization of the Vandermonde system.
func polyfit(xs, ys []float64, degree int) ([]float64, error) {
	if len(xs) != len(ys) || len(xs) < degree+1 {
		return nil, fmt.Errorf("polyfit: need at least %d points, got %d", degree+1, len(xs))
	}
	a := mat.NewDense(len(xs), degree+1, nil)
	for i, x := range xs {
		for j := 0; j <= degree; j++ {
			a.Set(i, j, math.Pow(x, float64(j)))
		}
	}
	b := mat.NewVecDense(len(ys), ys)

	var qr mat.QR
	qr.Factorize(a)
	var c mat.VecDense
	if err := qr.SolveVecTo(&c, false, b); err != nil {
		return nil, fmt.Errorf("polyfit: %w", err)
	}
	coeffs := make([]float64, degree+1)
	for j := 0; j <= degree; j++ {
		coeffs[j] = c.AtVec(j)
	}
	return coeffs, nil
}

func polyval(coeffs []float64, x float64) float64 {
	y := 0.0
	for j, c := range coeffs {
		y += c * math.Pow(x, float64(j))
	}
	return y
}

// Render produces the chart: one line per requested author plus a dashed
// trend curve fitted over all selected points pooled across authors.
func (r *Renderer) Render(ds *domain.Dataset, authors []string, since domain.Month, anonymize bool) (*plot.Plot, error) {
	all, err := buildSeries(ds, authors, since, anonymize)
	if err != nil {
		return nil, err
	}

	p := plot.New()
	p.Title.Text = "Monthly contributions"
	p.X.Label.Text = "Month"
	p.Y.Label.Text = "Contributions"
	p.X.Tick.Marker = monthTicker{since: since}
	p.Legend.Top = true
	p.Legend.Left = true

	var pooledX, pooledY []float64
	maxX := 0.0
	for i, s := range all {
		xys := make(plotter.XYs, len(s.xs))
		for j := range s.xs {
			xys[j].X = s.xs[j]
			xys[j].Y = s.ys[j]
			if s.xs[j] > maxX {
				maxX = s.xs[j]
			}
		}
		pooledX = append(pooledX, s.xs...)
		pooledY = append(pooledY, s.ys...)

		line, err := plotter.NewLine(xys)
		if err != nil {
			return nil, fmt.Errorf("failed to build series for %s: %w", s.label, err)
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(s.label, line)
	}

	if len(pooledY) > 0 {
		if maxY, err := stats.Max(stats.Float64Data(pooledY)); err == nil && maxY > 0 {
			p.Y.Max = maxY * 1.1
		}
	}

	if coeffs, ok := r.fitTrend(pooledX, pooledY); ok {
		trend := make(plotter.XYs, int(maxX)+1)
		for j := range trend {
			trend[j].X = float64(j)
			trend[j].Y = polyval(coeffs, float64(j))
		}
		line, err := plotter.NewLine(trend)
		if err != nil {
			return nil, fmt.Errorf("failed to build trend curve: %w", err)
		}
		line.Color = color.RGBA{R: 0xcc, A: 0xff}
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
		p.Legend.Add("trend", line)
	}

	return p, nil
}

// fitTrend fits the pooled points, or reports false when the fit is
// underdetermined (fewer distinct months than coefficients).
func (r *Renderer) fitTrend(xs, ys []float64) ([]float64, bool) {
	distinct := make(map[float64]bool, len(xs))
	for _, x := range xs {
		distinct[x] = true
	}
	if len(distinct) < minTrendPoints {
		r.logger.WithField("points", len(distinct)).Debug("Too few distinct months for a trend curve, omitting it.")
		return nil, false
	}
	coeffs, err := polyfit(xs, ys, trendDegree)
	if err != nil {
		r.logger.WithError(err).Warn("Trend fit failed, omitting the curve.")
		return nil, false
	}
	return coeffs, true
}

// RenderFile renders the chart and saves it as a PNG at path.
func (r *Renderer) RenderFile(ds *domain.Dataset, authors []string, since domain.Month, anonymize bool, path string) error {
	p, err := r.Render(ds, authors, since, anonymize)
	if err != nil {
		return err
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save chart: %w", err)
	}
	r.logger.WithField("path", path).Info("Chart saved.")
	return nil
}

// monthTicker labels the x axis with "YYYY-MM" month names.
type monthTicker struct {
	since domain.Month
}

func (t monthTicker) Ticks(min, max float64) []plot.Tick {
	lo := int(math.Ceil(min))
	hi := int(math.Floor(max))
	if hi < lo {
		return nil
	}
	step := 1
	if n := hi - lo + 1; n > 8 {
		step = (n + 7) / 8
	}
	month := t.since
	for i := 0; i < lo; i++ {
		month = month.Next()
	}
	var ticks []plot.Tick
	for i := lo; i <= hi; i++ {
		tick := plot.Tick{Value: float64(i)}
		if (i-lo)%step == 0 {
			tick.Label = month.String()
		}
		ticks = append(ticks, tick)
		month = month.Next()
	}
	return ticks
}
