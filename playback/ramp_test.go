package playback

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRampConverges(t *testing.T) {
	r := newRamp(-20, 20, 1000)
	r.retarget(0)

	prev := r.cur
	frames := 0
	for !r.settled() {
		v := r.advance(10)
		assert.GreaterOrEqual(t, v, prev)
		prev = v
		frames += 10
	}
	assert.Equal(t, 0.0, r.cur)
	// one block of slack for rounding
	assert.LessOrEqual(t, frames, 1010)
}

func TestRampRetargetMidway(t *testing.T) {
	r := newRamp(-20, 20, 1000)
	r.retarget(0)
	r.advance(250)
	assert.InDelta(t, -15, r.cur, 1e-9)

	// switching back starts from the current gain
	r.retarget(-20)
	v := r.advance(1)
	assert.InDelta(t, -15.02, v, 1e-9)

	prev := v
	frames := 1
	for !r.settled() {
		v = r.advance(7)
		assert.LessOrEqual(t, v, prev)
		prev = v
		frames += 7
	}
	assert.Equal(t, -20.0, r.cur)
	assert.LessOrEqual(t, frames, 1000)
}

func TestRampJump(t *testing.T) {
	r := newRamp(-20, 20, 0)
	r.retarget(0)
	assert.Equal(t, 0.0, r.advance(1))

	r = newRamp(-6, 0, 100)
	r.retarget(-6)
	assert.True(t, r.settled())
}

func TestRampRapidToggles(t *testing.T) {
	r := newRamp(-20, 20, 1000)

	r.retarget(0)
	r.advance(300)
	r.retarget(-20)
	r.advance(100)
	assert.InDelta(t, -16, r.cur, 1e-9)
	r.retarget(0)

	prev := r.cur
	frames := 0
	for !r.settled() {
		v := r.advance(10)
		assert.GreaterOrEqual(t, v, prev)
		prev = v
		frames += 10
		if frames > 2000 {
			t.Fatal("ramp did not settle")
		}
	}
	assert.Equal(t, 0.0, r.cur)
	assert.LessOrEqual(t, frames, 1010)
}
