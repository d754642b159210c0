package validation

import (
	"strings"
	"testing"
	"time"
)

func TestValidateSiteName(t *testing.T) {
	valid := []string{
		"hq-tower",
		"plant_3",
		"building7",
		"a",
		strings.Repeat("x", 128),
	}
	for _, name := range valid {
		if err := ValidateSiteName(name); err != nil {
			t.Errorf("ValidateSiteName(%q) = %v, want nil", name, err)
		}
	}

	// Site names become literal cache-key path segments, so anything the
	// key grammar rejects must be rejected here too.
	invalid := []string{
		"",
		strings.Repeat("x", 129),
		"hq tower",
		"hq.tower",
		"hq/tower",
		"hq:tower",
		"..",
		"hq..tower",
		"hq;drop",
		"HQ-Tower",
		"Building7",
		"büro-1",
		"-leading",
		"_leading",
	}
	for _, name := range invalid {
		if err := ValidateSiteName(name); err == nil {
			t.Errorf("ValidateSiteName(%q) accepted", name)
		}
	}
}

func TestNormalizeSiteName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"HQ-Tower", "hq-tower"},
		{" Plant 3 ", "plant-3"},
		{"hq-tower", "hq-tower"},
	}
	for _, c := range cases {
		got := NormalizeSiteName(c.in)
		if got != c.want {
			t.Errorf("NormalizeSiteName(%q) = %q, want %q", c.in, got, c.want)
		}
		if err := ValidateSiteName(got); err != nil {
			t.Errorf("normalized %q fails validation: %v", got, err)
		}
	}
}

func TestValidatePointName(t *testing.T) {
	valid := []string{
		"ahu-1/supply-temp",
		"vav.12.damper-pos",
		"analogValue:12",
		"zone_4/co2",
		strings.Repeat("p", 512),
	}
	for _, name := range valid {
		if err := ValidatePointName(name); err != nil {
			t.Errorf("ValidatePointName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{
		"",
		strings.Repeat("p", 513),
		"/supply-temp",
		"supply-temp/",
		"ahu//temp",
		"ahu/../etc",
		"temp with space",
	}
	for _, name := range invalid {
		if err := ValidatePointName(name); err == nil {
			t.Errorf("ValidatePointName(%q) accepted", name)
		}
	}
}

func TestValidatePointNamesEmptySetIsValid(t *testing.T) {
	if err := ValidatePointNames(nil); err != nil {
		t.Errorf("nil point set rejected: %v", err)
	}
	if err := ValidatePointNames([]string{}); err != nil {
		t.Errorf("empty point set rejected: %v", err)
	}
	if err := ValidatePointNames([]string{"ahu-1/temp", "bad name"}); err == nil {
		t.Error("set containing an invalid name accepted")
	}
}

func TestValidateTimeRange(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	if err := ValidateTimeRange(start, end); err != nil {
		t.Errorf("valid range rejected: %v", err)
	}
	// An instant is a valid range.
	if err := ValidateTimeRange(start, start); err != nil {
		t.Errorf("zero-width range rejected: %v", err)
	}
	if err := ValidateTimeRange(time.Time{}, end); err == nil {
		t.Error("zero start accepted")
	}
	if err := ValidateTimeRange(start, time.Time{}); err == nil {
		t.Error("zero end accepted")
	}
	if err := ValidateTimeRange(end, start); err == nil {
		t.Error("inverted range accepted")
	}
}
