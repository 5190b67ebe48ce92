package element_test

import (
	"math"
	"testing"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// writeTone writes a wav file holding a 440 Hz tone of n frames.
func writeTone(t *testing.T, fs afero.Fs, name string, format beep.Format, n int) {
	t.Helper()

	f, err := fs.Create(name)
	require.NoError(t, err)
	defer f.Close()

	pos := 0
	tone := beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		if pos >= n {
			return 0, false
		}
		i := 0
		for ; i < len(samples) && pos < n; i++ {
			v := 0.5 * math.Sin(2*math.Pi*440*float64(pos)/float64(format.SampleRate))
			samples[i] = [2]float64{v, v}
			pos++
		}
		return i, true
	})
	require.NoError(t, wav.Encode(f, tone, format))
}
