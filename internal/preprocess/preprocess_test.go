package preprocess

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func sine(freq float64, rate, n int, amp float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return out
}

func TestSampleWidth(t *testing.T) {
	w, err := SampleWidth("")
	require.NoError(t, err)
	assert.Equal(t, 2, w)

	w, err = SampleWidth("S32LE")
	require.NoError(t, err)
	assert.Equal(t, 4, w)

	_, err = SampleWidth("f32le")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestDecodePCM_S16(t *testing.T) {
	raw := []byte{0x00, 0x40, 0x00, 0xC0, 0xFF, 0x7F, 0x01}
	got, err := DecodePCM(raw, "s16le", 1)
	require.NoError(t, err)
	require.Len(t, got, 3, "trailing partial sample dropped")
	assert.InDelta(t, 0.5, got[0], 1e-9)
	assert.InDelta(t, -0.5, got[1], 1e-9)
	assert.InDelta(t, 32767.0/32768.0, got[2], 1e-9)
}

func TestDecodePCM_StereoDownmix(t *testing.T) {
	raw := []byte{0x00, 0x40, 0x00, 0x00}
	got, err := DecodePCM(raw, "s16le", 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.25, got[0], 1e-9)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := []float64{0, 0.25, -0.75, 1, -1}
	out, err := DecodePCM(EncodeS16LE(in), "s16le", 1)
	require.NoError(t, err)
	for i := range in {
		assert.InDelta(t, in[i], out[i], 1e-4)
	}
}

func TestResample(t *testing.T) {
	x := []float64{0, 1, 2, 3, 4, 5, 6, 7}
	assert.Len(t, Resample(x, 8, 4), 4)
	assert.Len(t, Resample(x, 4, 8), 16)
	assert.Equal(t, x, Resample(x, 5, 5))
	assert.Nil(t, Resample(nil, 5, 5))

	down := Resample(x, 8, 4)
	assert.Equal(t, []float64{0, 2, 4, 6}, down)
}

func TestHeartSoundFeatures_ShapeAndDeterminism(t *testing.T) {
	samples := sine(150, 22050, 22050*2, 0.4)
	raw := EncodeS16LE(samples)

	a, err := HeartSoundFeatures(raw, "s16le", 1, 22050)
	require.NoError(t, err)
	b, err := HeartSoundFeatures(raw, "s16le", 1, 22050)
	require.NoError(t, err)

	assert.Equal(t, HeartSoundVersion, a.Version)
	assert.Len(t, a.Values, len(HeartSoundFeatureNames()))
	assert.Equal(t, a.Values, b.Values, "same bytes must give identical features")
	assert.InDelta(t, 2.0, a.DurationSec, 1e-9)

	for i, v := range a.Values {
		assert.False(t, math.IsNaN(v), a.Names[i])
	}

	centroid, ok := a.Get("centroid_mean")
	require.True(t, ok)
	assert.InDelta(t, 150, centroid, 60, "pure tone centroid near its frequency")

	rms, ok := a.Get("rms_mean")
	require.True(t, ok)
	assert.InDelta(t, 0.4/math.Sqrt2, rms, 0.02)
}

func TestHeartSoundFeatures_ShortAndSilent(t *testing.T) {
	fv, err := HeartSoundFeaturesFromSamples(make([]float64, 10), 4000)
	require.NoError(t, err)
	zcr, _ := fv.Get("zcr_mean")
	assert.Equal(t, 0.0, zcr)
	centroid, _ := fv.Get("centroid_mean")
	assert.Equal(t, 0.0, centroid)

	_, err = HeartSoundFeaturesFromSamples(nil, 4000)
	assert.ErrorIs(t, err, ErrEmptySignal)
}

func TestElectricalPipeline_Truncates(t *testing.T) {
	// 20 s @ 500 Hz，保留最近 10 s
	x := sine(5, 500, 500*20, 0.3)
	w, err := ElectricalPipelineFromSamples(x, 500)
	require.NoError(t, err)

	assert.Equal(t, ElectricalVersion, w.Version)
	assert.Len(t, w.Samples, ElectricalWindowSamples)
	assert.True(t, w.Truncated)
	assert.False(t, w.Padded)

	mean, std := stat.MeanStdDev(w.Samples, nil)
	assert.InDelta(t, 0, mean, 1e-9)
	assert.InDelta(t, 1, std, 1e-9)
}

func TestElectricalPipeline_PadsShortSignal(t *testing.T) {
	x := sine(2, 500, 1000, 0.5)
	w, err := ElectricalPipelineFromSamples(x, 500)
	require.NoError(t, err)
	assert.Len(t, w.Samples, ElectricalWindowSamples)
	assert.True(t, w.Padded)
	assert.Equal(t, 1000, w.SourceSamples)
}

func TestElectricalPipeline_RemovesDriftAndNoise(t *testing.T) {
	n := ElectricalWindowSamples
	signal := sine(10, 500, n, 0.2)
	noisy := make([]float64, n)
	for i := range noisy {
		// 0.1 Hz 基线漂移 + 直流 + 120 Hz 高频噪声
		noisy[i] = signal[i] + 0.5 + 0.4*math.Sin(2*math.Pi*0.1*float64(i)/500) + 0.2*math.Sin(2*math.Pi*120*float64(i)/500)
	}
	filtered := bandLimit(noisy, 500, ecgLowCutHz, ecgHighCutHz)
	diff := make([]float64, n)
	floats.SubTo(diff, filtered, signal)
	assert.Less(t, floats.Norm(diff, math.Inf(1)), 0.05)
}

func TestElectricalPipeline_Flatline(t *testing.T) {
	w, err := ElectricalPipelineFromSamples(make([]float64, 600), 500)
	require.NoError(t, err)
	assert.Equal(t, 0.0, floats.Max(w.Samples))
	assert.Equal(t, 0.0, floats.Min(w.Samples))
}

func TestElectricalPipeline_Deterministic(t *testing.T) {
	raw := EncodeS16LE(sine(7, 250, 2500, 0.6))
	a, err := ElectricalPipeline(raw, "s16le", 250)
	require.NoError(t, err)
	b, err := ElectricalPipeline(raw, "s16le", 250)
	require.NoError(t, err)
	assert.Equal(t, a.Samples, b.Samples)
	assert.Equal(t, a.Stats, b.Stats)
}
