package presence

import (
	"context"
	"fmt"
	"image/color"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PeoplePlotter records the people estimate of every cycle and renders the
// series as a PNG after a run.
type PeoplePlotter struct {
	mu      sync.Mutex
	people  plotter.XYs
	heard   plotter.XYs
	site    string
	outPath string
}

// NewPeoplePlotter returns a plotter that Save writes to outPath.
func NewPeoplePlotter(site, outPath string) *PeoplePlotter {
	return &PeoplePlotter{site: site, outPath: outPath}
}

// HandleCycle appends the cycle to the series.
func (p *PeoplePlotter) HandleCycle(_ context.Context, res CycleResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	x := float64(res.Seq)
	p.people = append(p.people, plotter.XY{X: x, Y: float64(res.People)})
	p.heard = append(p.heard, plotter.XY{X: x, Y: float64(len(res.Batch))})
	return nil
}

// Len reports the number of recorded cycles.
func (p *PeoplePlotter) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.people)
}

// Save renders the recorded cycles. It is a no-op when nothing was recorded.
func (p *PeoplePlotter) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.people) == 0 {
		return nil
	}

	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("People estimate - %s", p.site)
	pl.X.Label.Text = "Cycle"
	pl.Y.Label.Text = "Count"
	pl.Y.Min = 0

	peopleLine, err := plotter.NewLine(p.people)
	if err != nil {
		return fmt.Errorf("failed to build people line: %w", err)
	}
	peopleLine.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	peopleLine.Width = vg.Points(1.5)

	heardLine, err := plotter.NewLine(p.heard)
	if err != nil {
		return fmt.Errorf("failed to build devices line: %w", err)
	}
	heardLine.Color = color.RGBA{R: 160, G: 160, B: 160, A: 255}
	heardLine.Width = vg.Points(1)
	heardLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	pl.Add(plotter.NewGrid(), heardLine, peopleLine)
	pl.Legend.Add("people", peopleLine)
	pl.Legend.Add("devices heard", heardLine)
	pl.Legend.Top = true

	if err := pl.Save(10*vg.Inch, 4*vg.Inch, p.outPath); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", p.outPath, err)
	}
	return nil
}
