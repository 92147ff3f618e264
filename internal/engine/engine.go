package engine

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hmelgaard/oceandash/internal/aanderaa"
)

// Engine consumes decoded measurement events in receipt order, enriches them
// in place with derived physical quantities and maintains the cross-sensor
// context those derivations depend on (latest salinity, latest pressure,
// per-sensor pressure identities).
//
// Process must be called from a single consumer goroutine; with that
// single-writer contract the context needs no write coordination. The mutex
// below exists only so the status API can take consistent read snapshots from
// other goroutines.
type Engine struct {
	baselines *BaselineStore
	// baroKPa supplies the optional operator-enabled barometric pressure
	// override in kPa; nil means disabled.
	baroKPa func() (float64, bool)

	mu                sync.Mutex
	latestSalinityPSU float64
	hasSalinity       bool
	salinityAt        time.Time
	latestPressureKPa float64
	hasPressure       bool
	pressureAt        time.Time
	pressureKPaByID   map[string]float64
}

// New creates an engine backed by the given baseline store. baroKPa may be
// nil when no barometric override is configured.
func New(baselines *BaselineStore, baroKPa func() (float64, bool)) *Engine {
	return &Engine{
		baselines:       baselines,
		baroKPa:         baroKPa,
		pressureKPaByID: make(map[string]float64),
	}
}

// ResetContext clears the latest-salinity/pressure context. Persisted
// baselines survive; they are cleared through the store, not here.
func (e *Engine) ResetContext() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hasSalinity = false
	e.latestSalinityPSU = 0
	e.salinityAt = time.Time{}
	e.hasPressure = false
	e.latestPressureKPa = 0
	e.pressureAt = time.Time{}
	e.pressureKPaByID = make(map[string]float64)
}

// LatestSalinity returns the most recent salinity (PSU) and its timestamp.
func (e *Engine) LatestSalinity() (float64, time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latestSalinityPSU, e.salinityAt, e.hasSalinity
}

// LatestPressure returns the most recent absolute pressure (kPa) and its
// timestamp.
func (e *Engine) LatestPressure() (float64, time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latestPressureKPa, e.pressureAt, e.hasPressure
}

// LatestPressureByIdentity returns a copy of the latest absolute pressure per
// stable sensor identity. The operator baseline workflow snapshots this to
// store air baselines.
func (e *Engine) LatestPressureByIdentity() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.pressureKPaByID))
	for id, kpa := range e.pressureKPaByID {
		out[id] = kpa
	}
	return out
}

// Process enriches one event according to its sensor type. Missing or
// unparsable fields silently omit the corresponding derived annotations; the
// event itself always survives.
func (e *Engine) Process(ev *aanderaa.Event) {
	if ev == nil || ev.Measurements == nil {
		return
	}
	normalizeValueFields(ev.Measurements)

	switch ev.Type {
	case aanderaa.TypeConductivity:
		e.processConductivity(ev)
	case aanderaa.TypePressure:
		e.processPressure(ev)
	case aanderaa.TypeOxygen:
		e.processOxygen(ev)
	}
}

func (e *Engine) processConductivity(ev *aanderaa.Event) {
	m := ev.Measurements
	cond, condOK := fieldFloat(m, "Conductivity")
	tempC, tempOK := fieldFloat(m, "Temperature")
	// If the sensor itself streams salinity, trust it over the polynomial.
	sal, salOK := fieldFloat(m, "Salinity")

	if !salOK && condOK && tempOK {
		pDbar := 0.0
		e.mu.Lock()
		if e.hasPressure {
			pDbar = PressureKPaToDbar(e.latestPressureKPa)
		}
		e.mu.Unlock()
		sal, salOK = PSS78SalinityFromConductivity(cond, tempC, pDbar)
		if !salOK {
			log.Printf("[engine] %s: salinity derivation failed (C=%v T=%v)", ev.ComPort, cond, tempC)
		}
	}

	if salOK {
		e.mu.Lock()
		e.latestSalinityPSU = sal
		e.hasSalinity = true
		e.salinityAt = ev.Timestamp
		e.mu.Unlock()
		m.Set("Derived_Salinity_psu", fmt.Sprintf("%.3f", sal))
		if condOK {
			m.Set("Conductivity", fmt.Sprintf("%.3f mS/cm", cond))
		}
	}
	if tempOK {
		m.Set("Temperature", fmt.Sprintf("%.3f °C", tempC))
	}
}

func (e *Engine) processPressure(ev *aanderaa.Event) {
	m := ev.Measurements
	if p, ok := fieldFloat(m, "Pressure"); ok {
		port := strings.ToUpper(ev.ComPort)
		id := sensorIdentity(port, m)

		e.mu.Lock()
		e.pressureKPaByID[id] = p
		e.latestPressureKPa = p
		e.hasPressure = true
		e.pressureAt = ev.Timestamp
		e.mu.Unlock()

		pDbar := PressureKPaToDbar(p)
		m.Set("Pressure", fmt.Sprintf("%.3f kPa", p))
		m.Set("Derived_Pressure_dbar", fmt.Sprintf("%.3f dbar", pDbar))

		// With a stored air baseline for this instrument, also report gauge
		// (sea) pressure and the 1 dbar ≈ 1 m depth estimate.
		if base, ok := e.baselines.Get(id); ok && finite(base) {
			seaDbar := PressureKPaToDbar(p - base)
			m.Set("Derived_PressureAir_kPa", fmt.Sprintf("%.3f kPa", base))
			m.Set("Derived_SeaPressure_dbar", fmt.Sprintf("%.3f dbar", seaDbar))
			m.Set("Derived_Depth_m", fmt.Sprintf("%.3f m", seaDbar))
		}
	}
	if tempC, ok := fieldFloat(m, "Temperature"); ok {
		m.Set("Temperature", fmt.Sprintf("%.3f °C", tempC))
	}
}

func (e *Engine) processOxygen(ev *aanderaa.Event) {
	m := ev.Measurements
	tempC, tempOK := fieldFloat(m, "Temperature")
	satPct, satOK := fieldFloat(m, "O2Saturation")
	conc, concOK := fieldFloat(m, "O2Concentration")

	if tempOK {
		e.mu.Lock()
		salUsed, assumed := 0.0, true
		if e.hasSalinity {
			salUsed, assumed = e.latestSalinityPSU, false
		}
		e.mu.Unlock()

		// A single numerical failure degrades to "no derived fields" for
		// this event; the event itself is never dropped.
		if sol, ok := WeissO2SolubilityUmolL(tempC, salUsed); ok {
			baroApplied := false
			var baro float64
			if e.baroKPa != nil {
				if b, on := e.baroKPa(); on && finite(b) && b > 0 {
					sol = ScaleO2SolubilityForPressure(sol, b)
					baro, baroApplied = b, true
				}
			}
			m.Set("Derived_O2Sol_umolL", fmt.Sprintf("%.2f", sol))
			m.Set("Derived_Salinity_psu", fmt.Sprintf("%.3f", salUsed))
			if assumed {
				m.Set("Derived_Salinity_assumed", "True")
			}
			if baroApplied {
				m.Set("Derived_Baro_kPa", fmt.Sprintf("%.2f", baro))
			}
			if satOK {
				m.Set("Derived_O2_umolL_from_sat", fmt.Sprintf("%.2f", satPct/100.0*sol))
			}
			// Independent cross-check: saturation implied by the streamed
			// concentration.
			if concOK && sol > 0 {
				m.Set("Derived_O2Sat_pct_from_conc", fmt.Sprintf("%.2f", 100.0*conc/sol))
			}
		} else {
			log.Printf("[engine] %s: O2 solubility derivation failed (T=%v S=%v)", ev.ComPort, tempC, salUsed)
		}
	}

	if tempOK {
		m.Set("Temperature", fmt.Sprintf("%.3f °C", tempC))
	}
	if concOK {
		m.Set("O2Concentration", fmt.Sprintf("%.2f µmol/L", conc))
	}
	if satOK {
		m.Set("O2Saturation", fmt.Sprintf("%.2f %%", satPct))
	}
}

// sensorIdentity derives the stable identity used to key baselines and the
// per-sensor pressure map: "<product>_SN_<serial>", falling back to the
// upper-cased port name when the frame carried no identity.
func sensorIdentity(port string, m *aanderaa.Measurements) string {
	product, _ := m.Get("ProductNumber")
	serialNo, _ := m.Get("SerialNumber")
	product = strings.TrimSpace(product)
	serialNo = strings.TrimSpace(serialNo)
	if product != "" && serialNo != "" {
		return fmt.Sprintf("%s_SN_%s", product, serialNo)
	}
	return strings.ToUpper(port)
}

var floatRE = regexp.MustCompile(`[-+]?[0-9]*\.?[0-9]+(?:[eE][-+]?[0-9]+)?`)

// fieldFloat parses the first float found in a measurement field. Fields may
// carry unit suffixes ("21.500 °C") after annotation.
func fieldFloat(m *aanderaa.Measurements, key string) (float64, bool) {
	raw, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	return parseFloat(raw)
}

func parseFloat(raw string) (float64, bool) {
	match := floatRE.FindString(strings.TrimSpace(raw))
	if match == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(match, 64)
	if err != nil || !finite(f) {
		return 0, false
	}
	return f, true
}

// normalizeValueFields rewrites raw ValueN columns into plain fixed-point
// notation so sinks never see scientific notation; the original wire text is
// still preserved in the event's RawLine.
func normalizeValueFields(m *aanderaa.Measurements) {
	for _, k := range m.Keys() {
		if !strings.HasPrefix(k, "Value") || !allDigits(k[len("Value"):]) {
			continue
		}
		if f, ok := fieldFloat(m, k); ok {
			m.Set(k, formatPlainNumber(f, 6))
		}
	}
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// formatPlainNumber renders a float in fixed-point form, trimming trailing
// zeros and avoiding "-0".
func formatPlainNumber(f float64, maxDecimals int) string {
	text := strconv.FormatFloat(f, 'f', maxDecimals, 64)
	if strings.Contains(text, ".") {
		text = strings.TrimRight(text, "0")
		text = strings.TrimRight(text, ".")
	}
	if text == "-0" {
		return "0"
	}
	return text
}
