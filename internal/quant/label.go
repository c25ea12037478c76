package quant

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	LabelPrefix = "s4"
	MaxLabelLen = 64
)

var (
	ErrLabelTooLong = errors.New("Метка длиннее 64 символов.")
	ErrLabelFormat  = errors.New("Метка не распознана.")
)

type Label struct {
	SID8   string
	GID12  string
	LegIdx uint32
	IH16   string
}

func DeriveSID8(strategyID string) string {
	return FormatHash(xxhash.Sum64String(strategyID))[:8]
}

func DeriveGID12(groupID string) string {
	compact := strings.ReplaceAll(groupID, "-", "")
	if len(compact) > 12 {
		return compact[:12]
	}
	return compact
}

// String renders s4:{sid8}:{gid12}:{li}:{ih16}. Oversized labels are an error, never cut.
func (l Label) String() (string, error) {
	s := fmt.Sprintf("%s:%s:%s:%d:%s", LabelPrefix, l.SID8, l.GID12, l.LegIdx, l.IH16)
	if len(s) > MaxLabelLen {
		return "", fmt.Errorf("%w: %d", ErrLabelTooLong, len(s))
	}
	return s, nil
}

func EncodeLabel(strategyID, groupID string, legIdx uint32, hash uint64) (string, error) {
	return Label{
		SID8:   DeriveSID8(strategyID),
		GID12:  DeriveGID12(groupID),
		LegIdx: legIdx,
		IH16:   FormatHash(hash),
	}.String()
}

func DecodeLabel(s string) (Label, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 || parts[0] != LabelPrefix {
		return Label{}, fmt.Errorf("%w: %q", ErrLabelFormat, s)
	}
	li, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return Label{}, fmt.Errorf("%w: индекс ноги %q", ErrLabelFormat, parts[3])
	}
	return Label{
		SID8:   parts[1],
		GID12:  parts[2],
		LegIdx: uint32(li),
		IH16:   parts[4],
	}, nil
}

// IsOurs reports whether a venue label was produced by this strategy.
func IsOurs(label, sid8 string) bool {
	l, err := DecodeLabel(label)
	return err == nil && l.SID8 == sid8
}
