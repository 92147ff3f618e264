package engine

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestPressureKPaToDbar(t *testing.T) {
	if got := PressureKPaToDbar(101.325); !almostEqual(got, 10.1325, 1e-12) {
		t.Errorf("got %v", got)
	}
	if got := PressureKPaToDbar(0); got != 0 {
		t.Errorf("got %v", got)
	}
}

func TestO2UmolLToMgL(t *testing.T) {
	if got := O2UmolLToMgL(100); !almostEqual(got, 3.1998, 1e-12) {
		t.Errorf("got %v", got)
	}
}

func TestConductivityMSCmToUSCm(t *testing.T) {
	if got := ConductivityMSCmToUSCm(43.918); !almostEqual(got, 43918.0, 1e-9) {
		t.Errorf("got %v", got)
	}
}

func TestPSS78ReferencePoint(t *testing.T) {
	// The defining point of the scale: C(35,15,0) must give S=35.
	got, ok := PSS78SalinityFromConductivity(42.914, 15.0, 0.0)
	if !ok {
		t.Fatal("derivation failed at reference point")
	}
	if !almostEqual(got, 35.0, 1e-6) {
		t.Errorf("S(42.914, 15, 0) = %v, want 35.0", got)
	}
}

func TestPSS78KnownValues(t *testing.T) {
	tests := []struct {
		c, tC, p float64
		want     float64
	}{
		{40.0, 20.0, 0.0, 28.60797914394888},
		{40.0, 20.0, 10.0, 28.604983955046677},
	}
	for _, tt := range tests {
		got, ok := PSS78SalinityFromConductivity(tt.c, tt.tC, tt.p)
		if !ok {
			t.Fatalf("derivation failed for C=%v T=%v P=%v", tt.c, tt.tC, tt.p)
		}
		if !almostEqual(got, tt.want, 1e-9) {
			t.Errorf("S(%v, %v, %v) = %v, want %v", tt.c, tt.tC, tt.p, got, tt.want)
		}
	}
}

func TestPSS78PressureCorrectionShrinksSalinity(t *testing.T) {
	surface, ok1 := PSS78SalinityFromConductivity(40.0, 20.0, 0.0)
	atDepth, ok2 := PSS78SalinityFromConductivity(40.0, 20.0, 100.0)
	if !ok1 || !ok2 {
		t.Fatal("derivation failed")
	}
	if atDepth >= surface {
		t.Errorf("pressure correction had no effect: %v >= %v", atDepth, surface)
	}
}

func TestPSS78DomainErrors(t *testing.T) {
	cases := []struct {
		c, tC, p float64
	}{
		{0, 15, 0},
		{-1, 15, 0},
		{math.NaN(), 15, 0},
		{42.914, math.NaN(), 0},
		{math.Inf(1), 15, 0},
	}
	for _, tt := range cases {
		if _, ok := PSS78SalinityFromConductivity(tt.c, tt.tC, tt.p); ok {
			t.Errorf("C=%v T=%v P=%v: expected derivation failure", tt.c, tt.tC, tt.p)
		}
	}
}

func TestWeissSolubilityFreshwater(t *testing.T) {
	got, ok := WeissO2SolubilityUmolL(20.0, 0.0)
	if !ok {
		t.Fatal("derivation failed")
	}
	if !almostEqual(got, 283.65685888815, 1e-6) {
		t.Errorf("sol(20, 0) = %v", got)
	}
}

func TestWeissSolubilitySeawater(t *testing.T) {
	got, ok := WeissO2SolubilityUmolL(10.0, 35.0)
	if !ok {
		t.Fatal("derivation failed")
	}
	if !almostEqual(got, 282.1824825180014, 1e-6) {
		t.Errorf("sol(10, 35) = %v", got)
	}
}

func TestWeissSolubilityMonotonic(t *testing.T) {
	warm, _ := WeissO2SolubilityUmolL(25.0, 0.0)
	cold, _ := WeissO2SolubilityUmolL(5.0, 0.0)
	if warm >= cold {
		t.Errorf("solubility should fall with temperature: %v >= %v", warm, cold)
	}
	fresh, _ := WeissO2SolubilityUmolL(10.0, 0.0)
	salty, _ := WeissO2SolubilityUmolL(10.0, 35.0)
	if salty >= fresh {
		t.Errorf("solubility should fall with salinity: %v >= %v", salty, fresh)
	}
}

func TestWeissSolubilityDomainErrors(t *testing.T) {
	if _, ok := WeissO2SolubilityUmolL(math.NaN(), 0); ok {
		t.Error("NaN temperature accepted")
	}
	if _, ok := WeissO2SolubilityUmolL(-300.0, 0); ok {
		t.Error("temperature below absolute zero accepted")
	}
}

func TestScaleO2SolubilityForPressure(t *testing.T) {
	if got := ScaleO2SolubilityForPressure(200.0, 101.325); !almostEqual(got, 200.0, 1e-12) {
		t.Errorf("reference pressure changed solubility: %v", got)
	}
	if got := ScaleO2SolubilityForPressure(200.0, 90.0); !almostEqual(got, 200.0*90.0/101.325, 1e-12) {
		t.Errorf("got %v", got)
	}
	// Garbage pressure leaves the reference value alone.
	if got := ScaleO2SolubilityForPressure(200.0, 0); got != 200.0 {
		t.Errorf("got %v", got)
	}
	if got := ScaleO2SolubilityForPressure(200.0, math.NaN()); got != 200.0 {
		t.Errorf("got %v", got)
	}
}
