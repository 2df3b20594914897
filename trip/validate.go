package trip

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Reason classifies why a raw record was rejected.
type Reason string

const (
	ReasonUnparseableTimestamp Reason = "UNPARSEABLE_TIMESTAMP"
	ReasonNegativeDuration     Reason = "NEGATIVE_DURATION"
)

// Sentinel errors matched by Rejection.Is.
var (
	ErrUnparseableTimestamp = errors.New("unparseable timestamp")
	ErrNegativeDuration     = errors.New("negative duration")
)

// Rejection is returned by Validate for records that are dropped.
type Rejection struct {
	Reason Reason
	Field  string
}

func (r *Rejection) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("record rejected: %s (%s)", r.Reason, r.Field)
	}
	return fmt.Sprintf("record rejected: %s", r.Reason)
}

func (r *Rejection) Is(target error) bool {
	switch r.Reason {
	case ReasonUnparseableTimestamp:
		return target == ErrUnparseableTimestamp
	case ReasonNegativeDuration:
		return target == ErrNegativeDuration
	}
	return false
}

// RejectionReason extracts the reason from an error returned by Validate.
func RejectionReason(err error) (Reason, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// Validate checks the physical validity of a raw record and converts it into
// its canonical form. Only the two timestamps can cause a rejection; every
// other field is best-effort and becomes nil when it cannot be parsed.
//
// The returned record has no ID and no ingestion time.
func Validate(raw RawRecord) (CanonicalRecord, error) {
	pickup, ok := parseTimestamp(raw[FieldPickup])
	if !ok {
		return CanonicalRecord{}, &Rejection{Reason: ReasonUnparseableTimestamp, Field: FieldPickup}
	}
	dropoff, ok := parseTimestamp(raw[FieldDropoff])
	if !ok {
		return CanonicalRecord{}, &Rejection{Reason: ReasonUnparseableTimestamp, Field: FieldDropoff}
	}
	if pickup.After(dropoff) {
		return CanonicalRecord{}, &Rejection{Reason: ReasonNegativeDuration}
	}

	return CanonicalRecord{
		VendorID:  toInt(raw[FieldVendorID]),
		PickupTS:  pickup,
		DropoffTS: dropoff,
		Flag:      toFlag(raw[FieldFlag]),

		RatecodeID:   toFloat(raw[FieldRatecodeID]),
		PULocationID: toInt(raw[FieldPULocationID]),
		DOLocationID: toInt(raw[FieldDOLocationID]),

		PassengerCount:       toFloat(raw[FieldPassengerCount]),
		TripDistance:         toFloat(raw[FieldTripDistance]),
		FareAmount:           toFloat(raw[FieldFareAmount]),
		Extra:                toFloat(raw[FieldExtra]),
		MTATax:               toFloat(raw[FieldMTATax]),
		TipAmount:            toFloat(raw[FieldTipAmount]),
		TollsAmount:          toFloat(raw[FieldTollsAmount]),
		EhailFee:             toFloat(raw[FieldEhailFee]),
		ImprovementSurcharge: toFloat(raw[FieldImprovementSurcharge]),
		TotalAmount:          toFloat(raw[FieldTotalAmount]),
		PaymentType:          toFloat(raw[FieldPaymentType]),
		TripType:             toFloat(raw[FieldTripType]),
		CongestionSurcharge:  toFloat(raw[FieldCongestionSurcharge]),
		CBDCongestionFee:     toFloat(raw[FieldCBDCongestionFee]),
	}, nil
}

// Layouts carrying an explicit offset. Fractional seconds are accepted after
// the seconds field even though the layouts do not spell them out.
var zonedLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04Z07:00",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseTimestamp accepts time.Time values and ISO-8601 text. Text without an
// offset is read as UTC; text with an offset keeps it as a fixed zone so the
// canonical rendering can reproduce it.
func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t, true
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, false
		}
		return *t, true
	case string:
		return parseTimestampText(strings.TrimSpace(t))
	case []byte:
		return parseTimestampText(strings.TrimSpace(string(t)))
	}
	return time.Time{}, false
}

func parseTimestampText(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			_, offset := t.Zone()
			return t.In(time.FixedZone("", offset)), true
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

type float64er interface {
	Float64() float64
}

// toInt mirrors integer conversion of loosely typed values: integral kinds
// pass, floats truncate toward zero, strings must hold an integer literal.
func toInt(v any) *int64 {
	var n int64
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		n = int64(t)
	case int8:
		n = int64(t)
	case int16:
		n = int64(t)
	case int32:
		n = int64(t)
	case int64:
		n = t
	case uint:
		n = int64(t)
	case uint8:
		n = int64(t)
	case uint16:
		n = int64(t)
	case uint32:
		n = int64(t)
	case uint64:
		if t > math.MaxInt64 {
			return nil
		}
		n = int64(t)
	case bool:
		if t {
			n = 1
		}
	case float32:
		return truncate(float64(t))
	case float64:
		return truncate(t)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil
		}
		n = parsed
	case float64er:
		return truncate(t.Float64())
	default:
		return nil
	}
	return &n
}

func truncate(f float64) *int64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
		return nil
	}
	n := int64(f)
	return &n
}

func toFloat(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		f = float64(t)
	case int8:
		f = float64(t)
	case int16:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint:
		f = float64(t)
	case uint8:
		f = float64(t)
	case uint16:
		f = float64(t)
	case uint32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case bool:
		if t {
			f = 1
		}
	case float32:
		f = float64(t)
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		f = parsed
	case float64er:
		f = t.Float64()
	default:
		return nil
	}
	return &f
}

// toFlag keeps any non-empty value and substitutes UnknownFlag otherwise.
func toFlag(v any) string {
	switch t := v.(type) {
	case nil:
		return UnknownFlag
	case string:
		if t == "" {
			return UnknownFlag
		}
		return t
	case bool:
		if !t {
			return UnknownFlag
		}
	}
	s := fmt.Sprint(v)
	if s == "" || s == "0" {
		return UnknownFlag
	}
	return s
}
