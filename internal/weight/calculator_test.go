package weight

import (
	"errors"
	"testing"

	"github.com/hitoshi/mailbox/internal/model"
)

func TestCalculator_MaxWeight_Defaults(t *testing.T) {
	c := NewCalculator(nil)

	tests := []struct {
		origin model.DomainOrigin
		want   model.Weight
	}{
		{model.DomainOriginTimeSeries, 50},
		{model.DomainOriginAggregations, 50},
		{model.DomainOriginMarketRoles, 1},
		{model.DomainOriginMeteringPoints, 1},
		{model.DomainOriginCharges, 1},
	}

	for _, tt := range tests {
		got, err := c.MaxWeight(tt.origin)
		if err != nil {
			t.Fatalf("MaxWeight(%q) returned error: %v", tt.origin, err)
		}
		if got != tt.want {
			t.Errorf("MaxWeight(%q) = %d, want %d", tt.origin, got, tt.want)
		}
	}
}

func TestCalculator_MaxWeight_UnknownFailsFast(t *testing.T) {
	c := NewCalculator(nil)

	for _, origin := range []model.DomainOrigin{model.DomainOriginUnknown, "Weather", ""} {
		_, err := c.MaxWeight(origin)
		if !errors.Is(err, ErrUnmappedOrigin) {
			t.Errorf("MaxWeight(%q) error = %v, want ErrUnmappedOrigin", origin, err)
		}
	}
}

// Unknownはoverridesで指定されていてもエラーになることを検証する
func TestCalculator_MaxWeight_UnknownCannotBeOverridden(t *testing.T) {
	c := NewCalculator(map[model.DomainOrigin]model.Weight{model.DomainOriginUnknown: 10})

	if _, err := c.MaxWeight(model.DomainOriginUnknown); !errors.Is(err, ErrUnmappedOrigin) {
		t.Errorf("expected ErrUnmappedOrigin, got %v", err)
	}
}

func TestCalculator_Overrides(t *testing.T) {
	c := NewCalculator(map[model.DomainOrigin]model.Weight{
		model.DomainOriginTimeSeries: 3,
	})

	got, err := c.MaxWeight(model.DomainOriginTimeSeries)
	if err != nil {
		t.Fatalf("MaxWeight returned error: %v", err)
	}
	if got != 3 {
		t.Errorf("MaxWeight = %d, want 3", got)
	}

	// 上書きしていないカテゴリは既定値のまま
	got, _ = c.MaxWeight(model.DomainOriginAggregations)
	if got != 50 {
		t.Errorf("MaxWeight(Aggregations) = %d, want 50", got)
	}
}

// 既定テーブルを書き換えても別のCalculatorに影響しないことを検証する
func TestDefaultLimits_ReturnsFreshMap(t *testing.T) {
	limits := DefaultLimits()
	limits[model.DomainOriginTimeSeries] = 0

	got, _ := NewCalculator(nil).MaxWeight(model.DomainOriginTimeSeries)
	if got != 50 {
		t.Errorf("MaxWeight(TimeSeries) = %d, want 50", got)
	}
}

func TestParseOverrides(t *testing.T) {
	got, err := ParseOverrides("TimeSeries=10, charges = 2")
	if err != nil {
		t.Fatalf("ParseOverrides returned error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[model.DomainOriginTimeSeries] != 10 {
		t.Errorf("TimeSeries = %d, want 10", got[model.DomainOriginTimeSeries])
	}
	if got[model.DomainOriginCharges] != 2 {
		t.Errorf("Charges = %d, want 2", got[model.DomainOriginCharges])
	}
}

func TestParseOverrides_Empty(t *testing.T) {
	got, err := ParseOverrides("  ")
	if err != nil {
		t.Fatalf("ParseOverrides returned error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestParseOverrides_Invalid(t *testing.T) {
	for _, input := range []string{
		"TimeSeries",
		"Unknown=3",
		"TimeSeries=-1",
		"TimeSeries=abc",
	} {
		if _, err := ParseOverrides(input); err == nil {
			t.Errorf("ParseOverrides(%q) expected error", input)
		}
	}
}
