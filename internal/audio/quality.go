package audio

import "fmt"

// QualityLevel grades a captured recording.
type QualityLevel int

const (
	QualityOk QualityLevel = iota
	QualityWarning
	QualityError
)

// Peak thresholds for dead and barely audible microphones.
const (
	silencePeak = 0.001
	quietPeak   = 0.05
)

// QualityReport carries the verdict on one recording.
type QualityReport struct {
	Level   QualityLevel
	Peak    float32
	Message string
}

// Peak returns the largest absolute sample value.
func Peak(samples []float32) float32 {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

// CheckQuality inspects peak amplitude to catch muted or misconfigured
// input devices before audio is committed for recognition.
func CheckQuality(samples []float32) QualityReport {
	return CheckPeak(Peak(samples), len(samples))
}

// CheckPeak grades a recording from its running peak and sample count.
// Callers that stream audio away as it arrives track the peak
// incrementally instead of keeping the samples around.
func CheckPeak(peak float32, sampleCount int) QualityReport {
	if sampleCount == 0 {
		return QualityReport{Level: QualityError, Message: "no audio captured"}
	}
	switch {
	case peak < silencePeak:
		return QualityReport{
			Level:   QualityError,
			Peak:    peak,
			Message: "no speech detected, check that the microphone is not muted",
		}
	case peak < quietPeak:
		return QualityReport{
			Level:   QualityWarning,
			Peak:    peak,
			Message: fmt.Sprintf("input level is very low (peak %.3f)", peak),
		}
	}
	return QualityReport{Level: QualityOk, Peak: peak}
}
