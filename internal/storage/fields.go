package storage

// TrackerFields is the schema'd form of a normalized field map: every known
// target of the translation tables has a typed, optional member, so a typo
// in a mapping target fails here instead of silently creating a new column.
// Extra keeps genuinely dynamic decoder output that has no tracker column;
// it travels with the stored message only.
type TrackerFields struct {
	CustomName *string
	Icon       *string

	AISType     *string
	AISName     *string
	AISCallsign *string
	AISLength   *float64
	AISWidth    *float64

	ADSBType         *string
	ADSBRegistration *string
	ADSBCallsign     *string

	Altitude  *float64
	Speed     *float64
	Course    *float64
	Latitude  *float64
	Longitude *float64

	Extra map[string]any
}

// Column names of the tracker table, as used by bulk updates.
const (
	ColCustomName        = "custom_name"
	ColIcon              = "icon"
	ColAISType           = "ais_type"
	ColAISName           = "ais_name"
	ColAISCallsign       = "ais_callsign"
	ColAISLength         = "ais_length"
	ColAISWidth          = "ais_width"
	ColADSBType          = "adsb_type"
	ColADSBRegistration  = "adsb_registration"
	ColADSBCallsign      = "adsb_callsign"
	ColAltitude          = "altitude"
	ColSpeed             = "speed"
	ColCourse            = "course"
	ColPosition          = "position"
	ColPositionTimestamp = "position_timestamp"
	ColMetaTimestamp     = "meta_timestamp"
)

// FieldsFromMap sorts a normalized field map into typed members. Unknown
// keys land in Extra. The reserved timestamp keys are consumed by the
// caller and skipped here.
func FieldsFromMap(normalized map[string]any) TrackerFields {
	var f TrackerFields
	for key, value := range normalized {
		switch key {
		case ColCustomName:
			f.CustomName = asString(value)
		case ColIcon:
			f.Icon = asString(value)
		case ColAISType:
			f.AISType = asString(value)
		case ColAISName:
			f.AISName = asString(value)
		case ColAISCallsign:
			f.AISCallsign = asString(value)
		case ColAISLength:
			f.AISLength = asFloat(value)
		case ColAISWidth:
			f.AISWidth = asFloat(value)
		case ColADSBType:
			f.ADSBType = asString(value)
		case ColADSBRegistration:
			f.ADSBRegistration = asString(value)
		case ColADSBCallsign:
			f.ADSBCallsign = asString(value)
		case ColAltitude:
			f.Altitude = asFloat(value)
		case ColSpeed:
			f.Speed = asFloat(value)
		case ColCourse, "heading":
			f.Course = asFloat(value)
		case "latitude":
			f.Latitude = asFloat(value)
		case "longitude":
			f.Longitude = asFloat(value)
		case ColPositionTimestamp, ColMetaTimestamp:
			// Handled by the caller as recency guards, not state.
		default:
			if f.Extra == nil {
				f.Extra = make(map[string]any)
			}
			f.Extra[key] = value
		}
	}
	return f
}

// Position returns the lat/lon pair as a Point when both are present.
func (f *TrackerFields) Position() *Point {
	if f.Latitude == nil || f.Longitude == nil {
		return nil
	}
	return &Point{Lon: *f.Longitude, Lat: *f.Latitude}
}

func asString(v any) *string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return &t
	default:
		return nil
	}
}

func asFloat(v any) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case float32:
		f := float64(t)
		return &f
	case int:
		f := float64(t)
		return &f
	case int64:
		f := float64(t)
		return &f
	default:
		return nil
	}
}
