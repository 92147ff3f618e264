package aanderaa

import "strings"

// SensorType identifies which Aanderaa product family a channel belongs to.
type SensorType int

const (
	TypeUnknown SensorType = iota
	TypeOxygen
	TypeConductivity
	TypePressure
)

func (t SensorType) String() string {
	switch t {
	case TypeOxygen:
		return "oxygen"
	case TypeConductivity:
		return "conductivity"
	case TypePressure:
		return "pressure"
	default:
		return "unknown"
	}
}

// ParseSensorType maps a configured type string ("oxygen", "conductivity",
// "pressure") to a SensorType. Anything else is TypeUnknown.
func ParseSensorType(s string) SensorType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "oxygen":
		return TypeOxygen
	case "conductivity":
		return TypeConductivity
	case "pressure":
		return TypePressure
	default:
		return TypeUnknown
	}
}

// productPrefixes maps the leading four digits of an Aanderaa product number
// to the instrument family. 4117/5217/5218 are pressure sensors, 4330/4835/4831
// oxygen optodes, 5819/5990 conductivity sensors.
var productPrefixes = map[string]SensorType{
	"4117": TypePressure,
	"5217": TypePressure,
	"5218": TypePressure,
	"4330": TypeOxygen,
	"4835": TypeOxygen,
	"4831": TypeOxygen,
	"5819": TypeConductivity,
	"5990": TypeConductivity,
}

// InferSensorType infers the instrument family from a product number.
// Only the documented four-digit prefixes match; everything else is unknown.
func InferSensorType(product string) SensorType {
	p := strings.ToUpper(strings.TrimSpace(product))
	if len(p) >= 4 {
		if t, ok := productPrefixes[p[:4]]; ok {
			return t
		}
	}
	return TypeUnknown
}

// A Frame is one tab-delimited wire line split into trimmed, non-empty fields:
// <product> <serial> <value1> <value2> ...
type Frame []string

// stripControl removes ASCII control characters except TAB, CR and LF.
func stripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 && c != '\t' && c != '\r' && c != '\n' {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// ExtractFrames turns accumulated raw text into candidate tab-delimited
// frames. Control characters and the '!' ready indicator are stripped, lines
// are split on CR and LF uniformly and lines without a tab are discarded as
// echo/noise. Malformed input yields an empty list, never an error, and the
// function is idempotent: extracting twice from the same text gives the same
// frames.
func ExtractFrames(raw string) []Frame {
	if raw == "" {
		return nil
	}
	text := strings.ReplaceAll(stripControl(raw), "!", "")
	var frames []Frame
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r", "\n"), "\n") {
		if !strings.Contains(line, "\t") {
			continue
		}
		var fields Frame
		for _, f := range strings.Split(line, "\t") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		if len(fields) == 0 {
			continue
		}
		frames = append(frames, fields)
	}
	return frames
}

// SelectDataFrame picks the single most plausible data frame from a batch.
// Device error frames ('*' / 'ERROR') are skipped, the product field must be
// four-digit prefixed, and the serial field must be numeric-prefixed unless
// the frame carries at least three fields. When several candidates qualify the
// last one wins: a read window often captures multiple buffered lines and the
// most recent measurement is authoritative.
func SelectDataFrame(frames []Frame) (Frame, bool) {
	var best Frame
	for _, f := range frames {
		if len(f) < 2 {
			continue
		}
		if f[0] == "*" && strings.EqualFold(f[1], "ERROR") {
			continue
		}
		if !hasDigitPrefix(f[0], 4) {
			continue
		}
		if !hasDigitPrefix(f[1], 1) && len(f) < 3 {
			continue
		}
		best = f
	}
	return best, best != nil
}

func hasDigitPrefix(s string, n int) bool {
	if len(s) < n {
		return false
	}
	for i := 0; i < n; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
