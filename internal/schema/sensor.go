package schema

import "time"

// ThresholdLevel names the four alarm bands a sensor may configure.
type ThresholdLevel string

const (
	LevelHH ThresholdLevel = "HH"
	LevelH  ThresholdLevel = "H"
	LevelL  ThresholdLevel = "L"
	LevelLL ThresholdLevel = "LL"
)

// Direction returns the side of the band: HH/H alarm above the value, L/LL
// alarm below it.
func (l ThresholdLevel) Direction() Direction {
	switch l {
	case LevelL, LevelLL:
		return DirectionLow
	}
	return DirectionHigh
}

// ThresholdBand is one configured alarm band on a sensor.
type ThresholdBand struct {
	Level    ThresholdLevel `yaml:"level" json:"level"`
	Value    float64        `yaml:"value" json:"value"`
	Priority Priority       `yaml:"priority" json:"priority"`
	DelayS   int            `yaml:"delay_s" json:"delay_s"`
}

// Delay returns the debounce duration for the band.
func (b ThresholdBand) Delay() time.Duration {
	return time.Duration(b.DelayS) * time.Second
}

// Sensor is the static registry metadata for one measurement point.
type Sensor struct {
	ID           int64
	Key          SensorKey
	Name         string
	Unit         string
	RangeMin     float64
	RangeMax     float64
	EquipmentTag string
	Thresholds   []ThresholdBand
	// DeadbandPct is the hysteresis fraction applied when clearing (0.02 =
	// 2%). DeadbandAbs, when non-zero, takes precedence and is applied as an
	// absolute margin instead.
	DeadbandPct float64
	DeadbandAbs float64
}

// Band returns the configured band at the given level, if any.
func (s *Sensor) Band(level ThresholdLevel) (ThresholdBand, bool) {
	for _, b := range s.Thresholds {
		if b.Level == level {
			return b, true
		}
	}
	return ThresholdBand{}, false
}
