package jsonrpc

import (
	"fmt"
	"math"
	"strconv"
)

// IdKey renders a request id in canonical string form so that ids compare
// equal regardless of how JSON decoding typed them. Whole numbers render
// without a fraction; a nil id yields the empty string.
func IdKey(id RequestId) string {
	switch value := id.(type) {
	case nil:
		return ""
	case string:
		return value
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case uint64:
		return strconv.FormatUint(value, 10)
	case float64:
		if value == math.Trunc(value) {
			return strconv.FormatInt(int64(value), 10)
		}
		return strconv.FormatFloat(value, 'g', -1, 64)
	case float32:
		return IdKey(float64(value))
	default:
		return fmt.Sprint(value)
	}
}
