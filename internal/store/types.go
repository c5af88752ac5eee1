package store

import (
	"fmt"
	"strconv"
	"time"
)

// NullText is printed for SQL NULL.
const NullText = "NULL"

// FormatValue renders a scanned column value for the console.
func FormatValue(val any) string {
	if val == nil {
		return NullText
	}

	switch v := val.(type) {
	case int:
		return strconv.Itoa(v)

	case int32:
		return strconv.FormatInt(int64(v), 10)

	case int64:
		return strconv.FormatInt(v, 10)

	case uint64:
		return strconv.FormatUint(v, 10)

	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)

	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)

	case bool:
		return strconv.FormatBool(v)

	case string:
		return v

	case []byte:
		return string(v)

	case time.Time:
		return v.Format(time.RFC3339)

	default:
		return fmt.Sprint(v)
	}
}
