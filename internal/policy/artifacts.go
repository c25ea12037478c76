package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// timestamp accepts unix seconds, unix milliseconds or RFC3339.
type timestamp time.Time

func (t *timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = timestamp(time.Time{})
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			*t = timestamp(parsed)
			return nil
		}
		b = []byte(s)
	}
	n, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("Некорректная метка времени %q", string(b))
	}
	if n > 1e12 {
		*t = timestamp(time.UnixMilli(int64(n)))
	} else {
		*t = timestamp(time.Unix(0, int64(n*float64(time.Second))))
	}
	return nil
}

type certDoc struct {
	Status      CertStatus `json:"status"`
	GeneratedTS timestamp  `json:"generated_ts"`
}

// ReadCertification reads the artifact every call. A missing or unreadable file is reported as
// not present, never as the last good value.
func ReadCertification(path string) (Certification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Certification{}, nil
		}
		return Certification{}, fmt.Errorf("Не удалось прочитать сертификат: %w", err)
	}
	var doc certDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Certification{}, fmt.Errorf("Не удалось разобрать сертификат: %w", err)
	}
	return Certification{
		Present:     true,
		Status:      doc.Status,
		GeneratedAt: time.Time(doc.GeneratedTS),
	}, nil
}

type EvidenceState string

const (
	EvidenceGreen EvidenceState = "green"
	EvidenceRed   EvidenceState = "red"
)

// Document is the policy published by the external governance loop.
type Document struct {
	ProducedAt  time.Time
	Override    Override
	Evidence    EvidenceState
	Maintenance bool
}

type policyDoc struct {
	ProducedTS  timestamp     `json:"produced_ts"`
	Override    Override      `json:"cortex_override"`
	Evidence    EvidenceState `json:"evidence_chain"`
	Maintenance bool          `json:"maintenance"`
}

func ReadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("Не удалось прочитать политику: %w", err)
	}
	var doc policyDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("Не удалось разобрать политику: %w", err)
	}
	return Document{
		ProducedAt:  time.Time(doc.ProducedTS),
		Override:    doc.Override,
		Evidence:    doc.Evidence,
		Maintenance: doc.Maintenance,
	}, nil
}
