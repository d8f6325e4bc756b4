package feed

import (
	"testing"
)

func TestHandleMessageStoresTick(t *testing.T) {
	tbl := NewTable()
	c := NewClient(Config{}, []string{"NSE:ABC-EQ"}, tbl)

	c.handleMessage([]byte(`{"symbol":"NSE:ABC-EQ","ltp":123.45,"chp":1.2,"vol_traded_today":50000,"high_price":125,"low_price":120,"open_price":121}`))

	snap := tbl.Snapshot()
	tick, ok := snap["NSE:ABC-EQ"]
	if !ok {
		t.Fatal("Tick not stored in the table")
	}
	if got := tick.LTP.String(); got != "123.45" {
		t.Errorf("LTP = %s, want 123.45", got)
	}
	if tick.ChangePct != 1.2 {
		t.Errorf("ChangePct = %f, want 1.2", tick.ChangePct)
	}
	if tick.CumVolume != 50000 {
		t.Errorf("CumVolume = %d, want 50000", tick.CumVolume)
	}
	if tick.ObservedAt.IsZero() {
		t.Error("ObservedAt not stamped on receipt")
	}
}

func TestHandleMessageMarksInvalidSymbols(t *testing.T) {
	tbl := NewTable()
	c := NewClient(Config{}, nil, tbl)

	c.handleMessage([]byte(`{"type":"error","invalid_symbols":["NSE:BAD-EQ"]}`))

	got := tbl.InvalidSymbols()
	if len(got) != 1 || got[0] != "NSE:BAD-EQ" {
		t.Errorf("InvalidSymbols() = %v", got)
	}
	if tbl.ActiveCount() != 0 {
		t.Error("Error frame must not create a tick")
	}
}

func TestHandleMessageDropsMalformedFrames(t *testing.T) {
	tbl := NewTable()
	c := NewClient(Config{}, nil, tbl)

	c.handleMessage([]byte(`not json`))
	c.handleMessage([]byte(`{"ltp":100}`)) // no symbol

	if tbl.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d after malformed frames, want 0", tbl.ActiveCount())
	}
}
