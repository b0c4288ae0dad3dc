package kite

import (
	"encoding/binary"
	"time"
)

// Binary frame layout: a 2-byte packet count, then for each packet a
// 2-byte length followed by the packet itself. Packets are 8 bytes (ltp),
// 44 bytes (quote) or 184 bytes (full, quote + timestamps + 5x5 depth).
// Prices arrive as int32 paise.
const (
	packetLTP   = 8
	packetQuote = 44
	packetFull  = 184

	priceDivisor = 100.0
)

// ParseBinary decodes one binary frame into a batch of ticks. Malformed
// or unknown-size packets are skipped; the rest of the frame still parses.
func ParseBinary(frame []byte) []Tick {
	if len(frame) < 2 {
		return nil
	}
	count := int(binary.BigEndian.Uint16(frame[0:2]))
	ticks := make([]Tick, 0, count)

	off := 2
	for i := 0; i < count; i++ {
		if off+2 > len(frame) {
			break
		}
		plen := int(binary.BigEndian.Uint16(frame[off : off+2]))
		off += 2
		if off+plen > len(frame) {
			break
		}
		if tick, ok := parsePacket(frame[off : off+plen]); ok {
			ticks = append(ticks, tick)
		}
		off += plen
	}
	return ticks
}

func parsePacket(p []byte) (Tick, bool) {
	if len(p) < packetLTP {
		return Tick{}, false
	}

	tick := Tick{
		InstrumentToken: binary.BigEndian.Uint32(p[0:4]),
		LastPrice:       price(p[4:8]),
	}

	switch len(p) {
	case packetLTP:
		tick.Mode = ModeLTP
		tick.Timestamp = time.Now()
		return tick, true
	case packetQuote, packetFull:
	default:
		return Tick{}, false
	}

	tick.Mode = ModeQuote
	tick.LastTradedQty = binary.BigEndian.Uint32(p[8:12])
	tick.AvgTradePrice = price(p[12:16])
	tick.VolumeTraded = binary.BigEndian.Uint32(p[16:20])
	tick.TotalBuyQty = binary.BigEndian.Uint32(p[20:24])
	tick.TotalSellQty = binary.BigEndian.Uint32(p[24:28])
	// bytes 28..44: open/high/low/close, unused by the engine

	if len(p) == packetFull {
		tick.Mode = ModeFull
		// bytes 44..60: last trade time, OI, OI high/low
		if ts := binary.BigEndian.Uint32(p[60:64]); ts > 0 {
			tick.Timestamp = time.Unix(int64(ts), 0)
		}
		tick.Depth = parseDepth(p[64:184])
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now()
	}
	return tick, true
}

// parseDepth decodes ten 12-byte entries: five buy levels then five sell.
func parseDepth(p []byte) *Depth {
	d := &Depth{
		Buy:  make([]DepthLevel, 0, 5),
		Sell: make([]DepthLevel, 0, 5),
	}
	for i := 0; i < 10; i++ {
		entry := p[i*12 : i*12+12]
		level := DepthLevel{
			Quantity: binary.BigEndian.Uint32(entry[0:4]),
			Price:    price(entry[4:8]),
			Orders:   uint32(binary.BigEndian.Uint16(entry[8:10])),
		}
		if i < 5 {
			d.Buy = append(d.Buy, level)
		} else {
			d.Sell = append(d.Sell, level)
		}
	}
	return d
}

func price(b []byte) float64 {
	return float64(int32(binary.BigEndian.Uint32(b))) / priceDivisor
}
