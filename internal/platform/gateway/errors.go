package gateway

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ErrorDetail is the normalized form of an error notification.
type ErrorDetail struct {
	ErrorTime      *int64 `json:"error_time,omitempty"`
	Code           int    `json:"error_code"`
	Message        string `json:"error"`
	AdvancedReject string `json:"advanced_reject,omitempty"`
}

// ParseErrorArgs decodes the positional arguments that follow the request
// id of an error notification. Observed shapes:
//
//	(code, message)
//	(time, code, message)
//	(code, message, advancedReject)
//	(time, code, message, advancedReject, ...)
//
// A three-argument payload is treated as (time, code, message) when its
// second element is an integer. Anything else yields code -1.
func ParseErrorArgs(args []any) ErrorDetail {
	d := ErrorDetail{Code: -1}
	switch {
	case len(args) == 2:
		d.Code = toInt(args[0], -1)
		d.Message = toString(args[1])
	case len(args) == 3:
		if isInteger(args[1]) {
			t := toInt64(args[0])
			d.ErrorTime = &t
			d.Code = toInt(args[1], -1)
			d.Message = toString(args[2])
		} else {
			d.Code = toInt(args[0], -1)
			d.Message = toString(args[1])
			d.AdvancedReject = toString(args[2])
		}
	case len(args) >= 4:
		t := toInt64(args[0])
		d.ErrorTime = &t
		d.Code = toInt(args[1], -1)
		d.Message = toString(args[2])
		d.AdvancedReject = toString(args[3])
	}
	return d
}

func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int32, int64:
		return true
	case float64:
		return n == math.Trunc(n)
	case json.Number:
		_, err := n.Int64()
		return err == nil
	default:
		return false
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func toInt(v any, fallback int) int {
	switch s := v.(type) {
	case int, int32, int64, float64, json.Number:
		return int(toInt64(v))
	case string:
		if i, err := strconv.Atoi(s); err == nil {
			return i
		}
	}
	return fallback
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
