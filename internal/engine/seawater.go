package engine

import "math"

// Seawater relationships used by the derived-quantity engine. The PSS-78
// (UNESCO 1983) and Weiss (1970) coefficient sets below are fixed physical
// constants, not configuration. Two documented approximations are kept
// deliberately: depth is taken as sea pressure in dbar (1 dbar ≈ 1 m, no
// latitude-dependent gravity correction) and barometric compensation of O2
// solubility is a linear pressure-ratio scaling.

// PressureKPaToDbar converts absolute pressure from kPa to dbar. The
// 4117/4117R family reports pressure in kPa (TD302 Table 2-1); 1 dbar = 10 kPa.
func PressureKPaToDbar(kpa float64) float64 {
	return kpa / 10.0
}

// O2UmolLToMgL converts dissolved O2 from µmol/L to mg/L using a molar mass
// of 31.998 g/mol.
func O2UmolLToMgL(umolL float64) float64 {
	return umolL * 0.031998
}

// ConductivityMSCmToUSCm converts conductivity from mS/cm to µS/cm.
func ConductivityMSCmToUSCm(msCm float64) float64 {
	return msCm * 1000.0
}

// WeissO2SolubilityUmolL returns the air-saturated O2 solubility of seawater
// at 1 atm in µmol/L, after Weiss (1970). The polynomial takes temperature in
// Kelvin and yields ml/L; 1 ml O2 (STP) = 44.6596 µmol. Returns false when
// the inputs take the polynomial outside its domain.
func WeissO2SolubilityUmolL(tempC, salPSU float64) (float64, bool) {
	if !finite(tempC) || !finite(salPSU) {
		return 0, false
	}
	T := tempC + 273.15
	if T <= 0 {
		return 0, false
	}

	const (
		a1 = -173.4292
		a2 = 249.6339
		a3 = 143.3483
		a4 = -21.8492
		b1 = -0.033096
		b2 = 0.014259
		b3 = -0.0017000
	)

	Ts := T / 100.0
	lnC := a1 + a2*(100.0/T) + a3*math.Log(Ts) + a4*Ts +
		salPSU*(b1+b2*Ts+b3*Ts*Ts)
	sol := math.Exp(lnC) * 44.6596
	if !finite(sol) {
		return 0, false
	}
	return sol, true
}

// ScaleO2SolubilityForPressure scales a 1 atm air-saturation solubility to a
// measured barometric pressure by linear pressure ratio. Non-positive or
// non-finite pressure leaves the reference value unchanged.
func ScaleO2SolubilityForPressure(solUmolL, baroKPa float64) float64 {
	if !finite(baroKPa) || baroKPa <= 0 {
		return solUmolL
	}
	return solUmolL * (baroKPa / 101.325)
}

// PSS78SalinityFromConductivity computes Practical Salinity from conductivity
// (mS/cm), temperature (°C) and pressure (dbar) via the PSS-78 polynomial.
// The pressure correction factor is the widely used seawater-toolbox form and
// is negligible at low pressure. Returns false for inputs outside the
// polynomial's domain (non-positive or non-finite conductivity/ratio).
func PSS78SalinityFromConductivity(condMSCm, tempC, pressureDbar float64) (float64, bool) {
	C := condMSCm
	if !finite(C) || C <= 0 || !finite(tempC) {
		return 0, false
	}
	T := tempC
	P := pressureDbar

	// Conductivity ratio relative to C(35,15,0).
	const c35150 = 42.914
	R := C / c35150
	if !finite(R) || R <= 0 {
		return 0, false
	}

	// rt: temperature dependence of conductivity at S=35, P=0.
	rt35 := 0.6766097 + 0.0200564*T + 0.0001104259*T*T +
		(-6.9698e-7)*T*T*T + 1.0031e-9*T*T*T*T

	Rp := 1.0
	if P != 0.0 && finite(P) {
		const (
			d1 = 0.03426
			d2 = 0.0004464
			d3 = 0.4215
			d4 = -0.003107
			e1 = 2.070e-5
			e2 = -6.370e-10
			e3 = 3.989e-15
		)
		denom := 1.0 + d1*T + d2*T*T + (d3+d4*T)*R
		Rp = 1.0 + (P*(e1+e2*P+e3*P*P))/denom
	}

	Rt := R / (Rp * rt35)
	if !finite(Rt) || Rt <= 0 {
		return 0, false
	}
	sqrtRt := math.Sqrt(Rt)

	const (
		a0 = 0.0080
		a1 = -0.1692
		a2 = 25.3851
		a3 = 14.0941
		a4 = -7.0261
		a5 = 2.7081

		b0 = 0.0005
		b1 = -0.0056
		b2 = -0.0066
		b3 = -0.0375
		b4 = 0.0636
		b5 = -0.0144
	)

	// Base salinity at T=15.
	S := a0 + a1*sqrtRt + a2*Rt + a3*Rt*sqrtRt + a4*Rt*Rt + a5*Rt*Rt*sqrtRt

	// Temperature correction.
	dT := (T - 15.0) / (1.0 + 0.0162*(T-15.0))
	S += dT * (b0 + b1*sqrtRt + b2*Rt + b3*Rt*sqrtRt + b4*Rt*Rt + b5*Rt*Rt*sqrtRt)

	if !finite(S) {
		return 0, false
	}
	return S, true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
