package quant

import (
	"encoding/binary"
	"fmt"
	"legguard/internal/models"

	"github.com/cespare/xxhash/v2"
)

const sep = 0xFF

// IntentKey holds the quantized economic identity of one leg.
type IntentKey struct {
	Instrument string
	Side       models.Side
	QtySteps   int64
	PriceTicks int64
	GroupID    string
	LegIdx     uint32
}

func IntentHash(k IntentKey) uint64 {
	d := xxhash.New()
	var buf [8]byte

	d.WriteString(k.Instrument)
	d.Write([]byte{sep})
	d.WriteString(string(k.Side))
	d.Write([]byte{sep})
	binary.LittleEndian.PutUint64(buf[:], uint64(k.QtySteps))
	d.Write(buf[:])
	d.Write([]byte{sep})
	binary.LittleEndian.PutUint64(buf[:], uint64(k.PriceTicks))
	d.Write(buf[:])
	d.Write([]byte{sep})
	d.WriteString(k.GroupID)
	d.Write([]byte{sep})
	binary.LittleEndian.PutUint32(buf[:4], k.LegIdx)
	d.Write(buf[:4])

	return d.Sum64()
}

func FormatHash(h uint64) string {
	return fmt.Sprintf("%016x", h)
}
