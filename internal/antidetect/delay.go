package antidetect

import (
	"math"
	"math/rand"
	"time"
)

// DelayProfile 人类操作间隔的Gamma分布参数
// 实际间隔 = Gamma(Shape, Scale) 并限制在 [Floor, Cap]
type DelayProfile struct {
	Shape float64
	Scale time.Duration
	Floor time.Duration
	Cap   time.Duration
}

var (
	// ShortDelay 同一页面内的操作间隔,均值约360ms
	ShortDelay = DelayProfile{Shape: 2, Scale: 180 * time.Millisecond, Floor: 120 * time.Millisecond, Cap: 2 * time.Second}

	// LongDelay 页面之间的阅读停顿,均值约2.1s
	LongDelay = DelayProfile{Shape: 3, Scale: 700 * time.Millisecond, Floor: 600 * time.Millisecond, Cap: 8 * time.Second}
)

// Sample 抽取一次间隔,scale为全局缩放系数,<=0时返回0
func (p DelayProfile) Sample(rng *rand.Rand, scale float64) time.Duration {
	if scale <= 0 {
		return 0
	}
	raw := sampleGamma(rng, p.Shape) * float64(p.Scale) * scale
	floor := float64(p.Floor) * scale
	ceiling := float64(p.Cap) * scale
	return time.Duration(math.Min(ceiling, math.Max(floor, raw)))
}

// sampleGamma Marsaglia–Tsang方法抽取Gamma(k, 1)
func sampleGamma(rng *rand.Rand, k float64) float64 {
	if k <= 0 {
		return 0
	}
	if k < 1 {
		// Gamma(k) = Gamma(k+1) · U^(1/k)
		return sampleGamma(rng, k+1) * math.Pow(rng.Float64(), 1/k)
	}

	d := k - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
