package engine

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// NullFloat is a statistic that may have no data. The zero value is NoData,
// which is distinct from a valid 0.
type NullFloat struct {
	Float64 float64
	Valid   bool
}

// NoData is the explicit "no data" statistic.
var NoData = NullFloat{}

// Some wraps a present value.
func Some(v float64) NullFloat {
	return NullFloat{Float64: v, Valid: true}
}

// MarshalJSON encodes NoData as null.
func (n NullFloat) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, n.Float64, 'f', -1, 64), nil
}

// UnmarshalJSON decodes null as NoData.
func (n *NullFloat) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*n = NoData
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = Some(v)
	return nil
}

func (n NullFloat) String() string {
	if !n.Valid {
		return "no data"
	}
	return strconv.FormatFloat(n.Float64, 'f', -1, 64)
}
