package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC id: a string or an integer. A nil *RequestID means
// the message is a notification.
type RequestID struct {
	str   string
	num   int64
	isNum bool
}

// StringID returns a RequestID holding s.
func StringID(s string) *RequestID { return &RequestID{str: s} }

// IntID returns a RequestID holding n.
func IntID(n int64) *RequestID { return &RequestID{num: n, isNum: true} }

// Key identifies the id for correlation. Unlike String, the number 1 and the
// string "1" have different keys.
func (id *RequestID) Key() string {
	if id == nil {
		return ""
	}
	if id.isNum {
		return "n:" + strconv.FormatInt(id.num, 10)
	}
	return "s:" + id.str
}

// String renders the id for logging.
func (id *RequestID) String() string {
	if id == nil {
		return ""
	}
	if id.isNum {
		return strconv.FormatInt(id.num, 10)
	}
	return id.str
}

// IsNil reports whether the id is absent.
func (id *RequestID) IsNil() bool { return id == nil }

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id == nil {
		return []byte("null"), nil
	}
	if id.isNum {
		return []byte(strconv.FormatInt(id.num, 10)), nil
	}
	return json.Marshal(id.str)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		n, err := num.Int64()
		if err != nil {
			return fmt.Errorf("JSON-RPC id must be an integer, got %s", num)
		}
		*id = RequestID{num: n, isNum: true}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = RequestID{str: s}
		return nil
	}
	return fmt.Errorf("JSON-RPC id must be a string or number, got: %s", string(data))
}
