package cachekey

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/coldpoint/tierstore/internal/validation"
)

func baseParams() Params {
	return Params{
		Tier:   TierResults,
		Site:   "hq-tower",
		Points: []string{"ahu-1/supply-temp", "ahu-1/return-temp"},
		Start:  time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC),
		Ext:    ExtParquet,
	}
}

func TestGenerateShape(t *testing.T) {
	key, err := Generate(baseParams())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	segments := strings.Split(key, "/")
	if len(segments) != 4 {
		t.Fatalf("expected 4 segments, got %d: %q", len(segments), key)
	}
	if segments[0] != TierResults {
		t.Errorf("tier segment = %q, want %q", segments[0], TierResults)
	}
	if segments[1] != "hq-tower" {
		t.Errorf("site segment = %q, want hq-tower", segments[1])
	}
	if segments[2] != "2026-01-10" {
		t.Errorf("date segment = %q, want 2026-01-10", segments[2])
	}
	if !strings.HasSuffix(segments[3], "."+ExtParquet) {
		t.Errorf("file segment %q missing .parquet extension", segments[3])
	}
	if err := Validate(key); err != nil {
		t.Errorf("generated key fails validation: %v", err)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	p := baseParams()
	first, err := Generate(p)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for i := 0; i < 100; i++ {
		key, err := Generate(p)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if key != first {
			t.Fatalf("key changed between calls: %q vs %q", key, first)
		}
	}
}

func TestGeneratePointOrderIndependent(t *testing.T) {
	p := baseParams()
	forward, err := Generate(p)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	p.Points = []string{"ahu-1/return-temp", "ahu-1/supply-temp"}
	reversed, err := Generate(p)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if forward != reversed {
		t.Errorf("point order changed the key:\n %q\n %q", forward, reversed)
	}
}

func TestGenerateNoCollisions(t *testing.T) {
	seen := make(map[string]Params, 1200)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	emit := func(p Params) {
		t.Helper()
		key, err := Generate(p)
		if err != nil {
			t.Fatalf("Generate(%+v): %v", p, err)
		}
		if prev, dup := seen[key]; dup {
			t.Fatalf("collision between %+v and %+v on key %q", prev, p, key)
		}
		seen[key] = p
	}

	for site := 0; site < 10; site++ {
		for day := 0; day < 25; day++ {
			for pts := 0; pts < 5; pts++ {
				p := Params{
					Site:  fmt.Sprintf("site-%d", site),
					Start: start.AddDate(0, 0, day),
					End:   start.AddDate(0, 0, day+1),
				}
				for i := 0; i <= pts; i++ {
					p.Points = append(p.Points, fmt.Sprintf("point-%d", i))
				}
				emit(p)
			}
		}
	}
	if len(seen) < 1000 {
		t.Fatalf("expected at least 1000 distinct tuples, got %d", len(seen))
	}
}

func TestGenerateDistinguishesRanges(t *testing.T) {
	a := baseParams()
	b := baseParams()
	b.End = b.End.Add(time.Millisecond)

	ka, _ := Generate(a)
	kb, _ := Generate(b)
	if ka == kb {
		t.Error("ranges differing by 1ms produced identical keys")
	}
}

func TestGenerateRejectsUnsafeSite(t *testing.T) {
	for _, site := range []string{"", "../etc", "a/b", "UPPER", "sp ace", "-leading"} {
		p := baseParams()
		p.Site = site
		if _, err := Generate(p); err == nil {
			t.Errorf("Generate accepted unsafe site %q", site)
		}
	}
}

func TestGenerateAcceptsValidatedSites(t *testing.T) {
	// Every site name the validation layer accepts must be expressible
	// as a key segment, or ingested data becomes unarchivable.
	sites := []string{
		"hq-tower",
		"plant_3",
		"building7",
		"a",
		strings.Repeat("x", 128),
	}
	for _, site := range sites {
		if err := validation.ValidateSiteName(site); err != nil {
			t.Fatalf("ValidateSiteName(%q) = %v, want nil", site, err)
		}
		p := baseParams()
		p.Site = site
		key, err := Generate(p)
		if err != nil {
			t.Errorf("Generate for validated site %q: %v", site, err)
			continue
		}
		if err := Validate(key); err != nil {
			t.Errorf("Validate(%q): %v", key, err)
		}
	}
}

func TestGenerateDefaults(t *testing.T) {
	p := baseParams()
	p.Tier = ""
	p.Ext = ""
	key, err := Generate(p)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasPrefix(key, TierResults+"/") {
		t.Errorf("empty tier did not default to results: %q", key)
	}
	if !strings.HasSuffix(key, "."+ExtParquet) {
		t.Errorf("empty ext did not default to parquet: %q", key)
	}
}

func TestGenerateRaw(t *testing.T) {
	date := time.Date(2026, 2, 3, 15, 4, 5, 0, time.UTC)
	key, err := GenerateRaw(TierDeadLetter, "hq-tower", date, "job-1:deadbeef", ExtJSON)
	if err != nil {
		t.Fatalf("GenerateRaw: %v", err)
	}
	if err := Validate(key); err != nil {
		t.Fatalf("raw key fails validation: %v", err)
	}
	if !strings.HasPrefix(key, "deadletter/hq-tower/2026-02-03/") {
		t.Errorf("unexpected key prefix: %q", key)
	}

	same, _ := GenerateRaw(TierDeadLetter, "hq-tower", date, "job-1:deadbeef", ExtJSON)
	if same != key {
		t.Error("identical identity produced different keys")
	}
	other, _ := GenerateRaw(TierDeadLetter, "hq-tower", date, "job-1:cafebabe", ExtJSON)
	if other == key {
		t.Error("different identity produced identical keys")
	}

	if _, err := GenerateRaw(TierDeadLetter, "hq-tower", date, "", ExtJSON); err == nil {
		t.Error("empty identity accepted")
	}
}

func TestValidateRejectsMalformedKeys(t *testing.T) {
	digest := strings.Repeat("ab", 32)
	cases := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"traversal", "results/site/../../etc/passwd"},
		{"doubled separator", "results//site/2026-01-01/" + digest + ".parquet"},
		{"backslash", `results\site\2026-01-01\` + digest + ".parquet"},
		{"leading slash", "/results/site/2026-01-01/" + digest + ".parquet"},
		{"trailing slash", "results/site/2026-01-01/" + digest + ".parquet/"},
		{"too few segments", "results/site/" + digest + ".parquet"},
		{"too many segments", "results/site/extra/2026-01-01/" + digest + ".parquet"},
		{"unknown tier", "secrets/site/2026-01-01/" + digest + ".parquet"},
		{"bad date", "results/site/Jan-01/" + digest + ".parquet"},
		{"short digest", "results/site/2026-01-01/abc123.parquet"},
		{"uppercase digest", "results/site/2026-01-01/" + strings.ToUpper(digest) + ".parquet"},
		{"missing extension", "results/site/2026-01-01/" + digest},
		{"unknown extension", "results/site/2026-01-01/" + digest + ".exe"},
	}
	for _, tc := range cases {
		if err := Validate(tc.key); err == nil {
			t.Errorf("%s: Validate accepted %q", tc.name, tc.key)
		}
	}
}

func TestValidateAcceptsKnownTiers(t *testing.T) {
	digest := strings.Repeat("0123456789abcdef", 4)
	for _, tier := range []string{TierResults, TierArchive, TierDeadLetter} {
		key := tier + "/hq-tower/2026-01-01/" + digest + ".parquet"
		if err := Validate(key); err != nil {
			t.Errorf("Validate rejected %q: %v", key, err)
		}
	}
}

func TestExtAndSite(t *testing.T) {
	key, err := Generate(baseParams())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := Ext(key); got != ExtParquet {
		t.Errorf("Ext = %q, want parquet", got)
	}
	if got := Site(key); got != "hq-tower" {
		t.Errorf("Site = %q, want hq-tower", got)
	}
}
