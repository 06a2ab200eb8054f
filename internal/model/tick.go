package model

import "time"

// Fields is a presence bitmask for a tick's optional fields. The wire
// protocol gates fields by packet length, so a zero value and a missing
// value must stay distinguishable downstream.
type Fields uint32

const (
	FieldLastQty Fields = 1 << iota
	FieldAvgPrice
	FieldDayVolume
	FieldBuyQty
	FieldSellQty
	FieldOpen
	FieldHigh
	FieldLow
	FieldPrevClose
	FieldLastTradeTS
	FieldOI
	FieldOIDayHigh
	FieldOIDayLow
	FieldExchangeTS
	FieldDepth
)

// Has reports whether every bit in f is set.
func (fs Fields) Has(f Fields) bool { return fs&f == f }

// Rupees converts a paise amount to rupees. The wire encodes prices as
// rupee values scaled by 100, which is exactly the paise amount.
func Rupees(paise int64) float64 { return float64(paise) / 100 }

// DepthLevel is one order-book level. Price is in paise.
type DepthLevel struct {
	Price    int64 `json:"price"`
	Quantity int64 `json:"quantity"`
	Orders   int32 `json:"orders"`
}

// Depth holds up to 5 bid and 5 ask levels from a full-mode packet.
type Depth struct {
	Buy  []DepthLevel `json:"buy"`
	Sell []DepthLevel `json:"sell"`
}

// Tick is a single market update for a tradable instrument.
// Prices are stored as int64 paise (1 INR = 100 paise) to avoid float
// drift; the wire carries them as scaled integers already.
type Tick struct {
	Token     uint32 `json:"instrument_token"`
	LastPrice int64  `json:"last_price"` // paise

	LastQty   int64 `json:"last_quantity,omitempty"`
	AvgPrice  int64 `json:"avg_price,omitempty"` // paise
	DayVolume int64 `json:"day_volume,omitempty"`
	BuyQty    int64 `json:"buy_quantity,omitempty"`
	SellQty   int64 `json:"sell_quantity,omitempty"`
	Open      int64 `json:"open_price,omitempty"`     // paise
	High      int64 `json:"high_price,omitempty"`     // paise
	Low       int64 `json:"low_price,omitempty"`      // paise
	PrevClose int64 `json:"prev_day_close,omitempty"` // paise
	OI        int64 `json:"oi,omitempty"`
	OIDayHigh int64 `json:"oi_day_high,omitempty"`
	OIDayLow  int64 `json:"oi_day_low,omitempty"`

	LastTradeTS int64 `json:"last_trade_timestamp,omitempty"` // epoch seconds
	ExchangeTS  int64 `json:"exchange_timestamp,omitempty"`   // epoch seconds

	Depth *Depth `json:"depth,omitempty"`

	// Fields records which optional fields the source packet actually
	// carried. Fields not set here hold meaningless zero values.
	Fields Fields `json:"-"`
}

// IndexTick is a market update for an index instrument. Indices carry no
// trade quantities and no depth, so they stay a separate type.
type IndexTick struct {
	Token     uint32 `json:"instrument_token"`
	LastPrice int64  `json:"last_price"` // paise

	High      int64 `json:"high_price,omitempty"`     // paise
	Low       int64 `json:"low_price,omitempty"`      // paise
	Open      int64 `json:"open_price,omitempty"`     // paise
	PrevClose int64 `json:"prev_day_close,omitempty"` // paise

	ExchangeTS int64 `json:"exchange_timestamp,omitempty"` // epoch seconds

	Fields Fields `json:"-"`
}

// Event is a decoded market update: either a Tick or an IndexTick.
type Event interface {
	InstrumentToken() uint32
	event()
}

func (t Tick) InstrumentToken() uint32      { return t.Token }
func (t IndexTick) InstrumentToken() uint32 { return t.Token }

func (Tick) event()      {}
func (IndexTick) event() {}

// TickRow is the storage shape of an event. The schema demands non-null
// numeric columns, so protocol-absent fields are written as explicit
// zeros here; Fields on the source event remains the authority on
// presence. TS is timezone-aware (exchange local time).
type TickRow struct {
	Token     uint32
	TS        time.Time
	IsIndex   bool
	LastPrice int64 // paise
	LastQty   int64
	AvgPrice  int64
	DayVolume int64
	BuyQty    int64
	SellQty   int64
	Open      int64
	High      int64
	Low       int64
	PrevClose int64
	OI        int64
}

// Row converts the tick into its storage row. received is the local
// arrival time, used when the packet carried no exchange timestamp.
func (t Tick) Row(loc *time.Location, received time.Time) TickRow {
	return TickRow{
		Token:     t.Token,
		TS:        rowTS(t.Fields.Has(FieldExchangeTS), t.ExchangeTS, received, loc),
		LastPrice: t.LastPrice,
		LastQty:   t.LastQty,
		AvgPrice:  t.AvgPrice,
		DayVolume: t.DayVolume,
		BuyQty:    t.BuyQty,
		SellQty:   t.SellQty,
		Open:      t.Open,
		High:      t.High,
		Low:       t.Low,
		PrevClose: t.PrevClose,
		OI:        t.OI,
	}
}

// Row converts the index tick into its storage row.
func (t IndexTick) Row(loc *time.Location, received time.Time) TickRow {
	return TickRow{
		Token:     t.Token,
		TS:        rowTS(t.Fields.Has(FieldExchangeTS), t.ExchangeTS, received, loc),
		IsIndex:   true,
		LastPrice: t.LastPrice,
		Open:      t.Open,
		High:      t.High,
		Low:       t.Low,
		PrevClose: t.PrevClose,
	}
}

func rowTS(hasExchangeTS bool, epoch int64, received time.Time, loc *time.Location) time.Time {
	if hasExchangeTS && epoch > 0 {
		return time.Unix(epoch, 0).In(loc)
	}
	return received.In(loc)
}
