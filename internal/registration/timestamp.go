package registration

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gatherly/eventsite/internal/docstore"
)

var (
	// ErrTimestampMissing is returned for absent or null timestamps.
	ErrTimestampMissing = errors.New("registration: timestamp missing")
	// ErrTimestampShape is returned for values of an unknown shape.
	ErrTimestampShape = errors.New("registration: unrecognised timestamp shape")
)

// DecodeTimestamp decodes every shape a stored timestamp may take: the store's
// native Timestamp, a {seconds, nanoseconds} object, a time.Time, or an
// RFC 3339 string. Callers choose the fallback for errors.
func DecodeTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, ErrTimestampMissing
	case docstore.Timestamp:
		return v.Time(), nil
	case *docstore.Timestamp:
		if v == nil {
			return time.Time{}, ErrTimestampMissing
		}
		return v.Time(), nil
	case time.Time:
		if v.IsZero() {
			return time.Time{}, ErrTimestampMissing
		}
		return v.UTC(), nil
	case map[string]any:
		return decodeSecondsObject(v)
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrTimestampShape, err)
		}
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %T", ErrTimestampShape, raw)
}

func decodeSecondsObject(m map[string]any) (time.Time, error) {
	secRaw, ok := m["seconds"]
	if !ok {
		secRaw, ok = m["_seconds"]
	}
	if !ok {
		return time.Time{}, fmt.Errorf("%w: object without seconds", ErrTimestampShape)
	}
	sec, err := wholeNumber(secRaw)
	if err != nil {
		return time.Time{}, err
	}
	nsRaw, ok := m["nanoseconds"]
	if !ok {
		nsRaw = m["_nanoseconds"]
	}
	var ns int64
	if nsRaw != nil {
		if ns, err = wholeNumber(nsRaw); err != nil {
			return time.Time{}, err
		}
	}
	if ns < 0 || ns >= int64(time.Second) {
		return time.Time{}, fmt.Errorf("%w: nanoseconds %d out of range", ErrTimestampShape, ns)
	}
	return time.Unix(sec, ns).UTC(), nil
}

func wholeNumber(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("%w: %v is not a whole number", ErrTimestampShape, n)
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrTimestampShape, err)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%w: %T in timestamp object", ErrTimestampShape, v)
}
