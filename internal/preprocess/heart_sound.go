package preprocess

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// HeartSoundVersion 心音预处理版本，随预测一起持久化
const HeartSoundVersion = "hs-mfcc-v1"

const (
	hsTargetRate = 4000
	hsFrameSize  = 256
	hsHopSize    = 128
	hsMelBands   = 26
	hsMFCC       = 13
	hsMelMinHz   = 25.0
	hsRolloff    = 0.85
	hsEpsilon    = 1e-10
)

// FeatureVector 固定长度的特征向量
type FeatureVector struct {
	Version      string    `json:"version"`
	Names        []string  `json:"names"`
	Values       []float64 `json:"values"`
	SampleRateHz int       `json:"sample_rate_hz"`
	DurationSec  float64   `json:"duration_sec"`
}

// Get 按名称取特征值
func (f *FeatureVector) Get(name string) (float64, bool) {
	for i, n := range f.Names {
		if n == name {
			return f.Values[i], true
		}
	}
	return 0, false
}

// HeartSoundFeatureNames 特征名（顺序即向量顺序）
func HeartSoundFeatureNames() []string {
	names := make([]string, 0, 2*hsMFCC+12)
	for i := 1; i <= hsMFCC; i++ {
		names = append(names, fmt.Sprintf("mfcc_%d_mean", i))
	}
	for i := 1; i <= hsMFCC; i++ {
		names = append(names, fmt.Sprintf("mfcc_%d_std", i))
	}
	for _, f := range []string{"centroid", "bandwidth", "rolloff", "flatness", "zcr", "rms"} {
		names = append(names, f+"_mean", f+"_std")
	}
	return names
}

// HeartSoundFeatures 心音管线：解码 -> 重采样到 4 kHz -> 分帧 -> 倒谱/谱形/过零/能量统计
func HeartSoundFeatures(raw []byte, format string, channels, sampleRate int) (*FeatureVector, error) {
	samples, err := DecodePCM(raw, format, channels)
	if err != nil {
		return nil, err
	}
	return HeartSoundFeaturesFromSamples(samples, sampleRate)
}

// HeartSoundFeaturesFromSamples 对已解码样本提取特征
func HeartSoundFeaturesFromSamples(samples []float64, sampleRate int) (*FeatureVector, error) {
	if len(samples) == 0 {
		return nil, ErrEmptySignal
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	x := Resample(samples, sampleRate, hsTargetRate)
	if len(x) < hsFrameSize {
		padded := make([]float64, hsFrameSize)
		copy(padded, x)
		x = padded
	}

	fft := fourier.NewFFT(hsFrameSize)
	window := hann(hsFrameSize)
	filters := melFilterbank(hsMelBands, hsFrameSize, hsTargetRate, hsMelMinHz, hsTargetRate/2)
	binHz := float64(hsTargetRate) / hsFrameSize

	nFrames := 1 + (len(x)-hsFrameSize)/hsHopSize
	mfcc := make([][]float64, hsMFCC)
	for i := range mfcc {
		mfcc[i] = make([]float64, nFrames)
	}
	centroid := make([]float64, nFrames)
	bandwidth := make([]float64, nFrames)
	rolloff := make([]float64, nFrames)
	flatness := make([]float64, nFrames)
	zcr := make([]float64, nFrames)
	rms := make([]float64, nFrames)

	frame := make([]float64, hsFrameSize)
	coeffs := make([]complex128, hsFrameSize/2+1)
	power := make([]float64, hsFrameSize/2+1)
	logMel := make([]float64, hsMelBands)

	for f := 0; f < nFrames; f++ {
		raw := x[f*hsHopSize : f*hsHopSize+hsFrameSize]
		zcr[f] = zeroCrossingRate(raw)
		rms[f] = math.Sqrt(floats.Dot(raw, raw) / hsFrameSize)

		floats.MulTo(frame, raw, window)
		coeffs = fft.Coefficients(coeffs, frame)
		for k, c := range coeffs {
			re, im := real(c), imag(c)
			power[k] = (re*re + im*im) / hsFrameSize
		}

		centroid[f], bandwidth[f], rolloff[f], flatness[f] = spectralShape(power, binHz)

		for b, filter := range filters {
			logMel[b] = math.Log(floats.Dot(filter, power) + hsEpsilon)
		}
		cep := dct2(logMel, hsMFCC)
		for i := 0; i < hsMFCC; i++ {
			mfcc[i][f] = cep[i]
		}
	}

	values := make([]float64, 0, 2*hsMFCC+12)
	stds := make([]float64, 0, hsMFCC)
	for i := 0; i < hsMFCC; i++ {
		m, s := meanStd(mfcc[i])
		values = append(values, m)
		stds = append(stds, s)
	}
	values = append(values, stds...)
	for _, series := range [][]float64{centroid, bandwidth, rolloff, flatness, zcr, rms} {
		m, s := meanStd(series)
		values = append(values, m, s)
	}

	return &FeatureVector{
		Version:      HeartSoundVersion,
		Names:        HeartSoundFeatureNames(),
		Values:       values,
		SampleRateHz: hsTargetRate,
		DurationSec:  float64(len(samples)) / float64(sampleRate),
	}, nil
}

func meanStd(x []float64) (float64, float64) {
	if len(x) == 0 {
		return 0, 0
	}
	if len(x) == 1 {
		return x[0], 0
	}
	return stat.MeanStdDev(x, nil)
}

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

func zeroCrossingRate(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(x); i++ {
		if (x[i-1] >= 0) != (x[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(x)-1)
}

// spectralShape 返回谱质心、带宽、滚降频率、谱平坦度；静音帧全部为 0
func spectralShape(power []float64, binHz float64) (centroid, bandwidth, rolloff, flatness float64) {
	total := floats.Sum(power)
	if total <= hsEpsilon {
		return 0, 0, 0, 0
	}

	for k, p := range power {
		centroid += float64(k) * binHz * p
	}
	centroid /= total

	for k, p := range power {
		d := float64(k)*binHz - centroid
		bandwidth += d * d * p
	}
	bandwidth = math.Sqrt(bandwidth / total)

	var cum float64
	for k, p := range power {
		cum += p
		if cum >= hsRolloff*total {
			rolloff = float64(k) * binHz
			break
		}
	}

	var logSum float64
	for _, p := range power {
		logSum += math.Log(p + hsEpsilon)
	}
	geo := math.Exp(logSum / float64(len(power)))
	flatness = geo / (total / float64(len(power)))
	return centroid, bandwidth, rolloff, flatness
}

func hzToMel(hz float64) float64  { return 2595 * math.Log10(1+hz/700) }
func melToHz(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

// melFilterbank 三角 mel 滤波器组，每个滤波器长度为 frameSize/2+1
func melFilterbank(bands, frameSize, rate int, fmin, fmax float64) [][]float64 {
	nBins := frameSize/2 + 1
	lo, hi := hzToMel(fmin), hzToMel(fmax)
	points := make([]float64, bands+2)
	for i := range points {
		points[i] = melToHz(lo + (hi-lo)*float64(i)/float64(bands+1))
	}
	binHz := float64(rate) / float64(frameSize)

	filters := make([][]float64, bands)
	for b := 0; b < bands; b++ {
		left, center, right := points[b], points[b+1], points[b+2]
		filter := make([]float64, nBins)
		for k := 0; k < nBins; k++ {
			f := float64(k) * binHz
			switch {
			case f > left && f <= center:
				filter[k] = (f - left) / (center - left)
			case f > center && f < right:
				filter[k] = (right - f) / (right - center)
			}
		}
		filters[b] = filter
	}
	return filters
}

// dct2 正交归一化 DCT-II，仅计算前 n 个系数
func dct2(x []float64, n int) []float64 {
	size := len(x)
	out := make([]float64, n)
	for k := 0; k < n; k++ {
		var sum float64
		for i, v := range x {
			sum += v * math.Cos(math.Pi*float64(k)*(2*float64(i)+1)/(2*float64(size)))
		}
		norm := math.Sqrt(2 / float64(size))
		if k == 0 {
			norm = math.Sqrt(1 / float64(size))
		}
		out[k] = sum * norm
	}
	return out
}
