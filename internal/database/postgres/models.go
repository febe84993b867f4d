package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/bardlex/bridgepool/internal/bridge"
)

// numeric maps a uint64 to a NUMERIC(20,0) column. database/sql rejects
// uint64 values with the high bit set, so values travel as decimal text.
type numeric uint64

// Value implements driver.Valuer.
func (n numeric) Value() (driver.Value, error) {
	return strconv.FormatUint(uint64(n), 10), nil
}

// Scan implements sql.Scanner.
func (n *numeric) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*n = 0
		return nil
	case int64:
		if v < 0 {
			return fmt.Errorf("negative numeric %d", v)
		}
		*n = numeric(v)
		return nil
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return fmt.Errorf("unsupported numeric source %T", src)
	}
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid numeric %q: %w", s, err)
	}
	*n = numeric(u)
	return nil
}

// transferRow is the stored form of a transfer record.
type transferRow struct {
	ID     string
	Data   []byte
	Powers []byte
}

func encodeRecord(rec *bridge.Record) (transferRow, error) {
	data, err := json.Marshal(rec.Transfer)
	if err != nil {
		return transferRow{}, fmt.Errorf("failed to encode transfer: %w", err)
	}
	powers, err := json.Marshal(rec.Powers)
	if err != nil {
		return transferRow{}, fmt.Errorf("failed to encode validator snapshot: %w", err)
	}
	return transferRow{ID: rec.Transfer.ID, Data: data, Powers: powers}, nil
}

func decodeRecord(row transferRow) (*bridge.Record, error) {
	rec := &bridge.Record{Signatures: make(map[string]bridge.StoredSignature)}
	if err := json.Unmarshal(row.Data, &rec.Transfer); err != nil {
		return nil, fmt.Errorf("failed to decode transfer %s: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.Powers, &rec.Powers); err != nil {
		return nil, fmt.Errorf("failed to decode validator snapshot %s: %w", row.ID, err)
	}
	if rec.Powers == nil {
		rec.Powers = make(map[string]uint64)
	}
	return rec, nil
}
