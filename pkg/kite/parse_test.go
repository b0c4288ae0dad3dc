package kite

import (
	"encoding/binary"
	"testing"
	"time"
)

func putU32(b []byte, off int, v uint32) {
	binary.BigEndian.PutUint32(b[off:off+4], v)
}

func ltpPacket(token uint32, paise int32) []byte {
	p := make([]byte, packetLTP)
	putU32(p, 0, token)
	putU32(p, 4, uint32(paise))
	return p
}

func fullPacket(token uint32, paise int32, ltq uint32, ts uint32) []byte {
	p := make([]byte, packetFull)
	putU32(p, 0, token)
	putU32(p, 4, uint32(paise))
	putU32(p, 8, ltq)
	putU32(p, 12, uint32(paise)) // avg trade price
	putU32(p, 16, 1000)          // volume
	putU32(p, 20, 500)           // total buy qty
	putU32(p, 24, 400)           // total sell qty
	putU32(p, 60, ts)
	// depth: five buy then five sell levels of 12 bytes each
	for i := 0; i < 10; i++ {
		off := 64 + i*12
		putU32(p, off, uint32(100+i))         // quantity
		putU32(p, off+4, uint32(paise+int32(i))) // price
		binary.BigEndian.PutUint16(p[off+8:off+10], uint16(2))
	}
	return p
}

func frame(packets ...[]byte) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(packets)))
	for _, p := range packets {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(p)))
		out = append(out, l[:]...)
		out = append(out, p...)
	}
	return out
}

func TestParseLTPPacket(t *testing.T) {
	ticks := ParseBinary(frame(ltpPacket(408065, 256550)))
	if len(ticks) != 1 {
		t.Fatalf("ticks = %d, want 1", len(ticks))
	}
	got := ticks[0]
	if got.InstrumentToken != 408065 {
		t.Fatalf("token = %d, want 408065", got.InstrumentToken)
	}
	if got.LastPrice != 2565.50 {
		t.Fatalf("last price = %v, want 2565.50", got.LastPrice)
	}
	if got.Mode != ModeLTP {
		t.Fatalf("mode = %s, want %s", got.Mode, ModeLTP)
	}
	if got.Timestamp.IsZero() {
		t.Fatal("missing fallback timestamp")
	}
}

func TestParseFullPacketWithDepth(t *testing.T) {
	when := uint32(time.Date(2026, 8, 21, 10, 30, 0, 0, time.UTC).Unix())
	ticks := ParseBinary(frame(fullPacket(256265, 10050, 75, when)))
	if len(ticks) != 1 {
		t.Fatalf("ticks = %d, want 1", len(ticks))
	}
	got := ticks[0]
	if got.Mode != ModeFull {
		t.Fatalf("mode = %s, want %s", got.Mode, ModeFull)
	}
	if got.LastPrice != 100.50 || got.LastTradedQty != 75 {
		t.Fatalf("ltp/ltq = %v/%d, want 100.50/75", got.LastPrice, got.LastTradedQty)
	}
	if got.Timestamp.Unix() != int64(when) {
		t.Fatalf("timestamp = %v, want unix %d", got.Timestamp, when)
	}
	if got.Depth == nil || len(got.Depth.Buy) != 5 || len(got.Depth.Sell) != 5 {
		t.Fatalf("depth not parsed: %+v", got.Depth)
	}
	if got.Depth.Buy[0].Quantity != 100 || got.Depth.Buy[0].Price != 100.50 {
		t.Fatalf("buy[0] = %+v", got.Depth.Buy[0])
	}
	if got.Depth.Sell[0].Quantity != 105 {
		t.Fatalf("sell[0] qty = %d, want 105", got.Depth.Sell[0].Quantity)
	}
	bid, ok := got.BestBid()
	if !ok || bid != 100.50 {
		t.Fatalf("best bid = %v/%v", bid, ok)
	}
}

func TestParseMultiPacketFrame(t *testing.T) {
	ticks := ParseBinary(frame(
		ltpPacket(1, 100),
		ltpPacket(2, 200),
		fullPacket(3, 300, 10, 0),
	))
	if len(ticks) != 3 {
		t.Fatalf("ticks = %d, want 3", len(ticks))
	}
	if ticks[2].Timestamp.IsZero() {
		t.Fatal("zero exchange timestamp must fall back to local time")
	}
}

func TestParseSkipsMalformedPackets(t *testing.T) {
	// Unknown 10-byte packet between two valid ones.
	odd := make([]byte, 10)
	putU32(odd, 0, 9)
	ticks := ParseBinary(frame(ltpPacket(1, 100), odd, ltpPacket(2, 200)))
	if len(ticks) != 2 {
		t.Fatalf("ticks = %d, want 2 (malformed skipped)", len(ticks))
	}
	if ticks[1].InstrumentToken != 2 {
		t.Fatalf("second tick token = %d, want 2", ticks[1].InstrumentToken)
	}
}

func TestParseTruncatedFrame(t *testing.T) {
	full := frame(ltpPacket(1, 100), ltpPacket(2, 200))
	ticks := ParseBinary(full[:len(full)-4]) // cut into the second packet
	if len(ticks) != 1 {
		t.Fatalf("ticks = %d, want 1", len(ticks))
	}
	if ParseBinary(nil) != nil {
		t.Fatal("empty frame must parse to nil")
	}
}

func TestNegativePricesDecode(t *testing.T) {
	ticks := ParseBinary(frame(ltpPacket(7, -150)))
	if len(ticks) != 1 || ticks[0].LastPrice != -1.50 {
		t.Fatalf("ticks = %+v, want one tick at -1.50", ticks)
	}
}
