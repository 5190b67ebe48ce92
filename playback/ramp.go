package playback

import "math"

// ramp moves a gain in dB toward its target at a fixed slope. Retargeting
// starts from the current value, so the gain never jumps.
type ramp struct {
	cur    float64
	target float64
	step   float64 // dB per frame, +Inf jumps
}

// newRamp starts settled at initial. A span of span dB is covered in frames
// frames.
func newRamp(initial, span float64, frames int) ramp {
	step := math.Inf(1)
	if frames > 0 && span != 0 {
		step = math.Abs(span) / float64(frames)
	}
	return ramp{cur: initial, target: initial, step: step}
}

func (r *ramp) retarget(target float64) {
	r.target = target
}

func (r *ramp) settled() bool {
	return r.cur == r.target
}

// advance moves the gain by frames worth of slope and returns the new value.
func (r *ramp) advance(frames int) float64 {
	if r.settled() {
		return r.cur
	}
	move := r.step * float64(frames)
	switch {
	case r.cur < r.target:
		r.cur = math.Min(r.cur+move, r.target)
	default:
		r.cur = math.Max(r.cur-move, r.target)
	}
	return r.cur
}
