package util

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/rueidis"
)

// StrSlice converts Lua script arguments into the string form expected by
// rueidis.  Non-scalar values are JSON encoded.
func StrSlice(args []any) ([]string, error) {
	res := make([]string, len(args))
	for i, item := range args {
		switch v := item.(type) {
		case string:
			res[i] = v
		case []byte:
			res[i] = rueidis.BinaryString(v)
		case int:
			res[i] = strconv.Itoa(v)
		case int64:
			res[i] = strconv.FormatInt(v, 10)
		case float64:
			res[i] = strconv.FormatFloat(v, 'f', -1, 64)
		case time.Duration:
			res[i] = strconv.FormatInt(v.Milliseconds(), 10)
		case bool:
			// Use 1 and 0 to signify true/false.
			if v {
				res[i] = "1"
			} else {
				res[i] = "0"
			}
		case fmt.Stringer:
			res[i] = v.String()
		default:
			byt, err := json.Marshal(item)
			if err != nil {
				return nil, err
			}
			res[i] = rueidis.BinaryString(byt)
		}
	}
	return res, nil
}
