package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Row is one record keyed by column name. Backends normalize driver types so
// the accessors below behave the same everywhere.
type Row map[string]any

// String returns the column as a string, or "" when null or absent.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// IsNull reports whether the column is null or absent.
func (r Row) IsNull(col string) bool {
	return r[col] == nil
}

// Decimal parses a numeric column exactly. Null reads as zero.
func (r Row) Decimal(col string) (decimal.Decimal, error) {
	switch v := r[col].(type) {
	case nil:
		return decimal.Zero, nil
	case decimal.Decimal:
		return v, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int32:
		return decimal.NewFromInt32(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		d, err := decimal.NewFromString(v)
		return d, eris.Wrapf(err, "gateway: column %s", col)
	case []byte:
		d, err := decimal.NewFromString(string(v))
		return d, eris.Wrapf(err, "gateway: column %s", col)
	default:
		return decimal.Zero, eris.Errorf("gateway: column %s: unsupported numeric type %T", col, v)
	}
}

// sqliteTimeLayouts covers how SQLite stores timestamps written by hand or
// by the driver, plus the zone-less ISO form PostgREST returns for
// timestamp without time zone. Zone-less values read as UTC.
var sqliteTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Time parses a timestamp column. Null reads as the zero time.
func (r Row) Time(col string) (time.Time, error) {
	switch v := r[col].(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v, nil
	case string:
		for _, layout := range sqliteTimeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, eris.Errorf("gateway: column %s: unparseable time %q", col, v)
	default:
		return time.Time{}, eris.Errorf("gateway: column %s: unsupported time type %T", col, v)
	}
}

// JSON returns the raw JSON document stored in col, re-encoding values that
// the driver already decoded. Null returns nil.
func (r Row) JSON(col string) (json.RawMessage, error) {
	switch v := r[col].(type) {
	case nil:
		return nil, nil
	case string:
		return json.RawMessage(v), nil
	case []byte:
		return json.RawMessage(v), nil
	case json.RawMessage:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, eris.Wrapf(err, "gateway: column %s", col)
		}
		return b, nil
	}
}

// normalize maps driver-specific scan types onto plain Go values.
func normalize(v any) any {
	switch x := v.(type) {
	case [16]byte:
		return uuid.UUID(x).String()
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		dv, err := x.Value()
		if err != nil || dv == nil {
			return nil
		}
		if s, ok := dv.(string); ok {
			if d, err := decimal.NewFromString(s); err == nil {
				return d
			}
		}
		return dv
	case []byte:
		return string(x)
	default:
		return v
	}
}

// formatValue renders a predicate value for URL filters.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
