package fieldsync

// ConnectionQuality is a coarse classification of current network capability.
// It drives every adaptive parameter in the engine.
type ConnectionQuality int

const (
	// QualityUnknown means the platform could not report link capabilities.
	QualityUnknown ConnectionQuality = iota
	QualityVeryPoor
	QualityPoor
	QualityFair
	QualityGood
	QualityExcellent
)

func (q ConnectionQuality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	case QualityVeryPoor:
		return "very_poor"
	default:
		return "unknown"
	}
}

// TransportType identifies the carrier reported by the platform.
type TransportType int

const (
	TransportUnknown TransportType = iota
	TransportWifi
	TransportCellular
	TransportEthernet
)

func (t TransportType) String() string {
	switch t {
	case TransportWifi:
		return "wifi"
	case TransportCellular:
		return "cellular"
	case TransportEthernet:
		return "ethernet"
	default:
		return "unknown"
	}
}

// LinkMetrics holds the raw capability numbers behind a classification.
type LinkMetrics struct {
	DownstreamKbps int           `json:"downstream_kbps"`
	UpstreamKbps   int           `json:"upstream_kbps"`
	Transport      TransportType `json:"transport"`
	Metered        bool          `json:"metered"`
	Connected      bool          `json:"connected"`
}

// QualityThresholds defines the kbps floors for each classification tier.
type QualityThresholds struct {
	ExcellentDown int `json:"excellent_down" yaml:"excellent_down"`
	ExcellentUp   int `json:"excellent_up" yaml:"excellent_up"`
	GoodDown      int `json:"good_down" yaml:"good_down"`
	GoodUp        int `json:"good_up" yaml:"good_up"`
	FairDown      int `json:"fair_down" yaml:"fair_down"`
	FairUp        int `json:"fair_up" yaml:"fair_up"`
	PoorDown      int `json:"poor_down" yaml:"poor_down"`
	PoorUp        int `json:"poor_up" yaml:"poor_up"`
}

// DefaultQualityThresholds returns the standard classification floors.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		ExcellentDown: 10000,
		ExcellentUp:   1000,
		GoodDown:      5000,
		GoodUp:        500,
		FairDown:      1000,
		FairUp:        100,
		PoorDown:      100,
		PoorUp:        50,
	}
}

// Classify maps link metrics to a ConnectionQuality. A disconnected link is
// VeryPoor; a link with no reported capabilities is Unknown.
func (qt QualityThresholds) Classify(m LinkMetrics) ConnectionQuality {
	if !m.Connected {
		return QualityVeryPoor
	}
	if m.DownstreamKbps <= 0 && m.UpstreamKbps <= 0 {
		return QualityUnknown
	}

	switch {
	case m.DownstreamKbps >= qt.ExcellentDown && m.UpstreamKbps >= qt.ExcellentUp:
		return QualityExcellent
	case m.DownstreamKbps >= qt.GoodDown && m.UpstreamKbps >= qt.GoodUp:
		return QualityGood
	case m.DownstreamKbps >= qt.FairDown && m.UpstreamKbps >= qt.FairUp:
		return QualityFair
	case m.DownstreamKbps >= qt.PoorDown && m.UpstreamKbps >= qt.PoorUp:
		return QualityPoor
	default:
		return QualityVeryPoor
	}
}
