package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC request identifier. The wire value may be a string
// or a number; both are kept as-is so responses echo the exact value the
// request carried.
type RequestID struct {
	Value interface{}
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v.(type) {
	case string, float64, nil:
		id.Value = v
		return nil
	default:
		return fmt.Errorf("request id must be a string or a number, got %T", v)
	}
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Value)
}

func RequestID_FromUInt64(value uint64) RequestID {
	return RequestID{Value: value}
}

func RequestID_FromString(value string) RequestID {
	return RequestID{Value: value}
}

// String renders the id for logging and map keys.
func (id *RequestID) String() string {
	if id == nil || id.Value == nil {
		return "nil"
	}
	bytes, err := json.Marshal(id.Value)
	if err != nil {
		return err.Error()
	}
	return string(bytes)
}

func (id *RequestID) IsEmpty() bool {
	return id == nil || id.Value == nil
}

// canonical renders the id without JSON quoting so that the string "7" and
// the number 7 compare equal, as some servers echo numeric ids as strings.
func (id *RequestID) canonical() string {
	if id == nil || id.Value == nil {
		return ""
	}
	switch v := id.Value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case uint64:
		return strconv.FormatUint(v, 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return id.String()
	}
}

// Equal compares two ids, treating numeric and string spellings of the same
// value as equal.
func (id *RequestID) Equal(other *RequestID) bool {
	if id.IsEmpty() || other.IsEmpty() {
		return false
	}
	return id.canonical() == other.canonical()
}

// Cursor is an opaque pagination token returned in list responses.
type Cursor = string

// PaginatedRequestParams is the common parameter shape of list requests.
type PaginatedRequestParams struct {
	Cursor *Cursor `json:"cursor,omitempty"`
}

// PaginatedResult is the common result shape of list responses.
type PaginatedResult struct {
	Meta       map[string]interface{} `json:"_meta,omitempty"`
	NextCursor *Cursor                `json:"nextCursor,omitempty"`
}
