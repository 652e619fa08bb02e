package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/example/phasesearch/internal/model"
)

const (
	minIntensity      = 100
	minPoints         = 100
	minTwoThetaSpan   = 20
	maxPatternLineLen = 1 << 20
)

// ComputeDiagnostics reads a two-column pattern (2θ, intensity) and runs the
// sanity checks shown next to the results. Columns may be separated by
// whitespace or commas; lines starting with #, ; or ' are comments.
func ComputeDiagnostics(path string) (model.Diagnostics, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Diagnostics{}, err
	}
	defer f.Close()

	d := model.Diagnostics{
		TwoThetaMin:  math.Inf(1),
		TwoThetaMax:  math.Inf(-1),
		IntensityMin: math.Inf(1),
		IntensityMax: math.Inf(-1),
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxPatternLineLen)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.ContainsAny(text[:1], "#;'") {
			continue
		}
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		if len(fields) < 2 {
			return model.Diagnostics{}, fmt.Errorf("line %d: expected two columns, got %d", line, len(fields))
		}
		x, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return model.Diagnostics{}, fmt.Errorf("line %d: %w", line, err)
		}
		y, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return model.Diagnostics{}, fmt.Errorf("line %d: %w", line, err)
		}
		if !finite(x) || !finite(y) {
			return model.Diagnostics{}, fmt.Errorf("line %d: non-finite value", line)
		}
		d.TwoThetaMin = math.Min(d.TwoThetaMin, x)
		d.TwoThetaMax = math.Max(d.TwoThetaMax, x)
		d.IntensityMin = math.Min(d.IntensityMin, y)
		d.IntensityMax = math.Max(d.IntensityMax, y)
		d.NumPoints++
	}
	if err := sc.Err(); err != nil {
		return model.Diagnostics{}, err
	}
	if d.NumPoints == 0 {
		return model.Diagnostics{}, errors.New("pattern has no data points")
	}

	d.Checks = map[string]string{
		model.CheckIntensity:     check(d.IntensityMax >= minIntensity),
		model.CheckNumPoints:     check(d.NumPoints >= minPoints),
		model.CheckTwoThetaRange: check(d.TwoThetaMax-d.TwoThetaMin >= minTwoThetaSpan),
	}
	return d, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func check(ok bool) string {
	if ok {
		return model.CheckOK
	}
	return model.CheckWarn
}
