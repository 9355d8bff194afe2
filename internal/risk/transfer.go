package risk

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Transfer is one money movement considered by weighted rules.
type Transfer struct {
	From     string   `json:"from,omitempty"`
	To       string   `json:"to,omitempty"`
	Amount   *float64 `json:"amount_cny,omitempty"`
	Date     string   `json:"date,omitempty"`
	ToRegion string   `json:"to_region,omitempty"`
}

// UnmarshalJSON accepts both the transfer field names and the transaction
// edge aliases (from_id, to_id, amount, time, region).
func (t *Transfer) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*t = Transfer{
		From:     firstString(raw, "from", "from_id"),
		To:       firstString(raw, "to", "to_id"),
		Amount:   firstNumber(raw, "amount_cny", "amount"),
		Date:     firstString(raw, "date", "time"),
		ToRegion: firstString(raw, "to_region", "region"),
	}
	return nil
}

// FromTransaction converts a stored transaction edge.
func FromTransaction(tx domain.TransactionEdge) Transfer {
	return Transfer{
		From:     tx.From,
		To:       tx.To,
		Amount:   tx.Amount,
		Date:     tx.Time,
		ToRegion: tx.ToRegion,
	}
}

func firstString(raw map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if s != "" {
				return s
			}
			continue
		}
		// Dates and account numbers occasionally arrive as bare numbers.
		var n json.Number
		if err := json.Unmarshal(v, &n); err == nil && n != "" {
			return n.String()
		}
	}
	return ""
}

func firstNumber(raw map[string]json.RawMessage, keys ...string) *float64 {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || string(v) == "null" {
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err == nil {
			return &f
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return &parsed
			}
		}
	}
	return nil
}
