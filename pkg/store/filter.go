package store

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"

	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// filterClause is one metadata equality test. Value is a string, bool,
// int64 or float64.
type filterClause struct {
	Key   string
	Value any
}

// parseFilters validates filters and returns them sorted by key.
func parseFilters(filters map[string]any) ([]filterClause, error) {
	if len(filters) == 0 {
		return nil, nil
	}

	clauses := make([]filterClause, 0, len(filters))
	for k, v := range filters {
		if !identifierPattern.MatchString(k) {
			return nil, ragerr.InvalidArgument("invalid filter key %q", k)
		}
		value, err := scalar(v)
		if err != nil {
			return nil, ragerr.InvalidArgument("filter %q: %v", k, err)
		}
		clauses = append(clauses, filterClause{Key: k, Value: value})
	}
	sort.Slice(clauses, func(i, j int) bool { return clauses[i].Key < clauses[j].Key })
	return clauses, nil
}

func scalar(v any) (any, error) {
	switch x := v.(type) {
	case string, bool, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return uintScalar(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintScalar(x)
	case float32:
		return float64(x), nil
	}
	return nil, fmt.Errorf("value of type %T is not a scalar", v)
}

func uintScalar(x uint64) (any, error) {
	if x > math.MaxInt64 {
		return nil, fmt.Errorf("value %d overflows int64", x)
	}
	return int64(x), nil
}

// scalarString renders a clause value the way text-typed metadata stores it.
func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
