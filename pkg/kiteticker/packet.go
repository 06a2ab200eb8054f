package kiteticker

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"kitefeed/internal/model"
)

// Wire format (server → client, big-endian throughout):
//
//	uint16 packet count
//	count × { uint16 length, length bytes payload }
//
// A 1-byte message is a heartbeat and carries no packets.
//
// Packet payload: int32 instrument token, int32 last price (paise), then
// fixed-width fields unlocked by payload length. Payloads of 74 bytes or
// more carry market depth after the 64-byte scalar section: up to 10
// entries of {int32 qty, int32 price, int16 orders}, first five bids,
// then five asks.

const (
	scalarSectionEnd = 64
	depthEntrySize   = 10
	maxDepthEntries  = 10

	// NSE indices live in exchange segment 9 (low byte of the token).
	segmentIndices = 9
)

// ParseFrame decodes one transport message into zero or more events.
// Malformed packets are logged and skipped without disturbing their
// siblings. Pure apart from logging: no I/O, no shared state.
func ParseFrame(b []byte, log *slog.Logger) []model.Event {
	if log == nil {
		log = slog.Default()
	}
	if len(b) <= 1 {
		// 1-byte heartbeat (or empty message): nothing to decode.
		return nil
	}
	if len(b) < 2 {
		return nil
	}

	count := int(binary.BigEndian.Uint16(b[0:2]))
	events := make([]model.Event, 0, count)

	offset := 2
	for i := 0; i < count; i++ {
		if offset+2 > len(b) {
			log.Warn("frame truncated before packet length",
				slog.Int("packet", i), slog.Int("declared", count))
			break
		}
		plen := int(binary.BigEndian.Uint16(b[offset : offset+2]))
		offset += 2
		if offset+plen > len(b) {
			// Without a valid length the remaining packet boundaries
			// are unknowable; skip the rest of the frame.
			log.Warn("packet length exceeds frame",
				slog.Int("packet", i), slog.Int("length", plen))
			break
		}

		ev, err := parsePacket(b[offset : offset+plen])
		if err != nil {
			log.Warn("dropping malformed packet",
				slog.Int("packet", i), slog.String("error", err.Error()))
		} else {
			events = append(events, ev)
		}
		offset += plen
	}
	return events
}

// parsePacket decodes a single packet payload. Which fields are read is
// strictly gated by payload length; fields beyond the payload stay unset
// in the event's Fields mask.
func parsePacket(p []byte) (model.Event, error) {
	if len(p) < 8 {
		return nil, fmt.Errorf("packet too short: %d bytes", len(p))
	}

	token := binary.BigEndian.Uint32(p[0:4])
	lastPrice := int64(int32(binary.BigEndian.Uint32(p[4:8])))

	if token&0xFF == segmentIndices {
		return parseIndexPacket(p, token, lastPrice), nil
	}
	return parseTickPacket(p, token, lastPrice), nil
}

func parseTickPacket(p []byte, token uint32, lastPrice int64) model.Tick {
	t := model.Tick{Token: token, LastPrice: lastPrice}

	// Scalar fields in wire order; each occupies 4 bytes.
	scalars := []struct {
		dst   *int64
		field model.Fields
	}{
		{&t.LastQty, model.FieldLastQty},
		{&t.AvgPrice, model.FieldAvgPrice},
		{&t.DayVolume, model.FieldDayVolume},
		{&t.BuyQty, model.FieldBuyQty},
		{&t.SellQty, model.FieldSellQty},
		{&t.Open, model.FieldOpen},
		{&t.High, model.FieldHigh},
		{&t.Low, model.FieldLow},
		{&t.PrevClose, model.FieldPrevClose},
		{&t.LastTradeTS, model.FieldLastTradeTS},
		{&t.OI, model.FieldOI},
		{&t.OIDayHigh, model.FieldOIDayHigh},
		{&t.OIDayLow, model.FieldOIDayLow},
		{&t.ExchangeTS, model.FieldExchangeTS},
	}

	offset := 8
	for _, s := range scalars {
		if offset+4 > len(p) {
			break
		}
		*s.dst = int64(int32(binary.BigEndian.Uint32(p[offset : offset+4])))
		t.Fields |= s.field
		offset += 4
	}

	if d := parseDepth(p); d != nil {
		t.Depth = d
		t.Fields |= model.FieldDepth
	}
	return t
}

// parseDepth reads the depth section, if present. Entries are 10 bytes
// each; a partial trailing entry is ignored.
func parseDepth(p []byte) *model.Depth {
	if len(p) < scalarSectionEnd+depthEntrySize {
		return nil
	}
	d := &model.Depth{}
	for i := 0; i < maxDepthEntries; i++ {
		off := scalarSectionEnd + i*depthEntrySize
		if off+depthEntrySize > len(p) {
			break
		}
		level := model.DepthLevel{
			Quantity: int64(int32(binary.BigEndian.Uint32(p[off : off+4]))),
			Price:    int64(int32(binary.BigEndian.Uint32(p[off+4 : off+8]))),
			Orders:   int32(int16(binary.BigEndian.Uint16(p[off+8 : off+10]))),
		}
		if i < maxDepthEntries/2 {
			d.Buy = append(d.Buy, level)
		} else {
			d.Sell = append(d.Sell, level)
		}
	}
	return d
}

func parseIndexPacket(p []byte, token uint32, lastPrice int64) model.IndexTick {
	t := model.IndexTick{Token: token, LastPrice: lastPrice}

	scalars := []struct {
		dst   *int64
		field model.Fields
	}{
		{&t.High, model.FieldHigh},
		{&t.Low, model.FieldLow},
		{&t.Open, model.FieldOpen},
		{&t.PrevClose, model.FieldPrevClose},
	}

	offset := 8
	for _, s := range scalars {
		if offset+4 > len(p) {
			break
		}
		*s.dst = int64(int32(binary.BigEndian.Uint32(p[offset : offset+4])))
		t.Fields |= s.field
		offset += 4
	}

	// Offset 24 carries the day's net change, derivable from last and
	// prev close; skipped. Exchange timestamp follows at 28.
	if len(p) >= 32 {
		t.ExchangeTS = int64(int32(binary.BigEndian.Uint32(p[28:32])))
		t.Fields |= model.FieldExchangeTS
	}
	return t
}
