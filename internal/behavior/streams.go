package behavior

import (
	"math"
	"strings"

	"github.com/GoPolymarket/fraudgate/internal/model"
)

func (e *Engine) analyzePointer(samples []model.PointerSample) StreamAnalysis {
	s := StreamAnalysis{Samples: len(samples)}
	if len(samples) == 0 {
		s.Absent = true
		s.Score = e.th.PointerAbsentScore
		s.Reasons = []string{"pointer_absent"}
		return s
	}
	if len(samples) < e.th.MinPointerSamples {
		s.Score = e.th.PointerSparseScore
		s.Reasons = []string{"pointer_sparse"}
		return s
	}

	var fast, segments int
	for i := 1; i < len(samples); i++ {
		d := math.Hypot(samples[i].X-samples[i-1].X, samples[i].Y-samples[i-1].Y)
		dt := float64(samples[i].T - samples[i-1].T)
		segments++
		if dt <= 0 {
			if d > 0 {
				fast++
			}
			continue
		}
		if d/dt > e.th.MaxPointerSpeed {
			fast++
		}
	}

	var straight, turns int
	for i := 1; i < len(samples)-1; i++ {
		ax, ay := samples[i].X-samples[i-1].X, samples[i].Y-samples[i-1].Y
		bx, by := samples[i+1].X-samples[i].X, samples[i+1].Y-samples[i].Y
		if (ax == 0 && ay == 0) || (bx == 0 && by == 0) {
			continue
		}
		turns++
		delta := math.Atan2(by, bx) - math.Atan2(ay, ax)
		// normalise to (-π, π]
		for delta > math.Pi {
			delta -= 2 * math.Pi
		}
		for delta <= -math.Pi {
			delta += 2 * math.Pi
		}
		if math.Abs(delta) < e.th.StraightAngleRad {
			straight++
		}
	}

	straightRatio := ratio(straight, turns)
	fastRatio := ratio(fast, segments)
	if straightRatio > e.th.StraightRatio {
		s.Robotic = true
		s.Reasons = append(s.Reasons, "pointer_linear")
	}
	if fastRatio > e.th.FastRatio {
		s.Robotic = true
		s.Reasons = append(s.Reasons, "pointer_too_fast")
	}
	if s.Robotic {
		s.Score = e.th.PointerRoboticScore
		return s
	}
	s.Score = math.Round(20*straightRatio + 20*fastRatio)
	return s
}

func isCorrectionKey(k string) bool {
	switch strings.ToLower(k) {
	case "backspace", "delete", "del":
		return true
	}
	return false
}

func (e *Engine) analyzeKeystrokes(samples []model.KeystrokeSample) StreamAnalysis {
	s := StreamAnalysis{Samples: len(samples)}
	if len(samples) < 2 {
		s.Absent = len(samples) == 0
		return s
	}

	intervals := make([]float64, 0, len(samples)-1)
	var fast int
	for i := 1; i < len(samples); i++ {
		iv := float64(samples[i].DownAt - samples[i-1].DownAt)
		intervals = append(intervals, iv)
		if iv < e.th.MinKeyIntervalMs {
			fast++
		}
	}
	var corrections int
	for _, k := range samples {
		if isCorrectionKey(k.Key) {
			corrections++
		}
	}

	fastRatio := ratio(fast, len(intervals))
	correctionRatio := ratio(corrections, len(samples))
	sd := stdDev(intervals)
	if fastRatio > e.th.FastKeyRatio && correctionRatio < e.th.MaxCorrectionRatio && sd < e.th.MinKeyStdDevMs {
		s.Robotic = true
		s.Score = e.th.KeystrokeRoboticScore
		s.Reasons = []string{"keystroke_machine_timing"}
		return s
	}
	s.Score = math.Round(30 * fastRatio)
	return s
}

func (e *Engine) analyzeClicks(samples []model.ClickSample) StreamAnalysis {
	s := StreamAnalysis{Samples: len(samples)}
	if len(samples) == 0 {
		s.Absent = true
		return s
	}

	dwell := make([]float64, 0, len(samples))
	var short int
	for _, c := range samples {
		d := float64(c.DwellMs)
		dwell = append(dwell, d)
		if d < e.th.ShortDwellMs {
			short++
		}
	}
	shortRatio := ratio(short, len(samples))

	if shortRatio > e.th.ShortDwellRatio {
		s.Reasons = append(s.Reasons, "click_short_dwell")
	}
	if len(dwell) >= 3 && stdDev(dwell) < e.th.MinDwellStdDevMs {
		s.Reasons = append(s.Reasons, "click_uniform_dwell")
	}
	if mean(dwell) < e.th.MinAverageDwellMs {
		s.Reasons = append(s.Reasons, "click_low_average_dwell")
	}
	if len(s.Reasons) > 0 {
		s.Robotic = true
		s.Score = e.th.ClickRoboticScore
		return s
	}
	s.Score = math.Round(20 * shortRatio)
	return s
}
