package model

import (
	"testing"
	"time"
)

func TestFields_Has(t *testing.T) {
	var f Fields = FieldOpen | FieldHigh
	if !f.Has(FieldOpen) || !f.Has(FieldHigh) {
		t.Error("set fields not reported present")
	}
	if f.Has(FieldLow) {
		t.Error("unset field reported present")
	}
	if !f.Has(FieldOpen | FieldHigh) {
		t.Error("combined mask not reported present")
	}
	if f.Has(FieldOpen | FieldLow) {
		t.Error("partially-set combined mask reported present")
	}
}

func TestRupees(t *testing.T) {
	cases := []struct {
		paise int64
		want  float64
	}{
		{152075, 1520.75},
		{100, 1},
		{0, 0},
		{-250, -2.5},
	}
	for _, c := range cases {
		if got := Rupees(c.paise); got != c.want {
			t.Errorf("Rupees(%d) = %v, want %v", c.paise, got, c.want)
		}
	}
}

func TestTick_Row(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+30*60)
	received := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

	tick := Tick{
		Token:      408065,
		LastPrice:  152075,
		DayVolume:  123456,
		ExchangeTS: 1767327300,
		Fields:     FieldDayVolume | FieldExchangeTS,
	}
	row := tick.Row(ist, received)
	if row.Token != 408065 || row.IsIndex {
		t.Errorf("row = %+v", row)
	}
	if row.TS.Unix() != 1767327300 {
		t.Errorf("row ts = %d, want the exchange timestamp", row.TS.Unix())
	}
	if row.TS.Location() != ist {
		t.Errorf("row ts location = %v, want IST", row.TS.Location())
	}
	if row.DayVolume != 123456 {
		t.Errorf("day volume = %d", row.DayVolume)
	}
}

func TestTick_RowFallsBackToReceiveTime(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+30*60)
	received := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

	// ExchangeTS set but not marked present: must be ignored.
	tick := Tick{Token: 1, LastPrice: 100, ExchangeTS: 1767327300}
	row := tick.Row(ist, received)
	if !row.TS.Equal(received) {
		t.Errorf("row ts = %v, want receive-time fallback", row.TS)
	}
}

func TestIndexTick_Row(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+30*60)
	idx := IndexTick{
		Token:     256265,
		LastPrice: 2250050,
		High:      2260000,
		Fields:    FieldHigh,
	}
	row := idx.Row(ist, time.Now())
	if !row.IsIndex {
		t.Error("index row not flagged")
	}
	if row.High != 2260000 || row.LastPrice != 2250050 {
		t.Errorf("row = %+v", row)
	}
	// Index rows never carry trade quantities.
	if row.LastQty != 0 || row.DayVolume != 0 || row.OI != 0 {
		t.Errorf("index row carries trade fields: %+v", row)
	}
}
