package wiser

// MainType is the gateway's top-level load classification.
type MainType string

// Main types reported by the gateway.
const (
	TypeOnOff MainType = "onoff"
	TypeDim   MainType = "dim"
	TypeDALI  MainType = "dali"
	TypeMotor MainType = "motor"
)

// Sub types. The empty string is the plain variant of every main type.
const (
	SubNone = ""
	SubDTO  = "dto"
	SubTW   = "tw"
	SubRGB  = "rgb"
)

// Load is a single controllable output as reported by GET /api/loads.
type Load struct {
	ID      int      `json:"id"`
	Name    string   `json:"name"`
	Unused  bool     `json:"unused"`
	Type    MainType `json:"type"`
	SubType string   `json:"sub_type"`
	Device  string   `json:"device"`
	Channel int      `json:"channel"`
	Room    int      `json:"room"`
	Kind    int      `json:"kind"`
}

// Variant resolves the load's (main type, sub type) pair into its tagged variant.
func (l Load) Variant() Variant {
	return ParseVariant(l.Type, l.SubType)
}

// Variant is the closed set of load capabilities. Exactly one of the
// concrete types below implements it: OnOff, Dimmer, DALI, Motor or Unknown.
type Variant interface {
	isVariant()
	Main() MainType
	Sub() string
}

// OnOff is a switched output. Sub is SubNone or SubDTO.
type OnOff struct{ SubType string }

// Dimmer is a leading/trailing-edge dimmer.
type Dimmer struct{}

// DALI is a DALI output. Sub is SubNone, SubTW or SubRGB.
type DALI struct{ SubType string }

// Motor is a blind/shutter actuator.
type Motor struct{ SubType string }

// Unknown is any pair the engine has no field map for.
type Unknown struct {
	MainType MainType
	SubType  string
}

func (OnOff) isVariant()   {}
func (Dimmer) isVariant()  {}
func (DALI) isVariant()    {}
func (Motor) isVariant()   {}
func (Unknown) isVariant() {}

func (OnOff) Main() MainType     { return TypeOnOff }
func (Dimmer) Main() MainType    { return TypeDim }
func (DALI) Main() MainType      { return TypeDALI }
func (Motor) Main() MainType     { return TypeMotor }
func (u Unknown) Main() MainType { return u.MainType }

func (v OnOff) Sub() string   { return v.SubType }
func (Dimmer) Sub() string    { return SubNone }
func (v DALI) Sub() string    { return v.SubType }
func (v Motor) Sub() string   { return v.SubType }
func (u Unknown) Sub() string { return u.SubType }

// ParseVariant maps a gateway (main, sub) pair onto a Variant.
// Pairs outside the supported set yield Unknown.
func ParseVariant(main MainType, sub string) Variant {
	switch main {
	case TypeOnOff:
		if sub == SubNone || sub == SubDTO {
			return OnOff{SubType: sub}
		}
	case TypeDim:
		if sub == SubNone {
			return Dimmer{}
		}
	case TypeDALI:
		if sub == SubNone || sub == SubTW || sub == SubRGB {
			return DALI{SubType: sub}
		}
	case TypeMotor:
		// Motor sub types only affect presentation; all share one field map.
		return Motor{SubType: sub}
	}
	return Unknown{MainType: main, SubType: sub}
}
