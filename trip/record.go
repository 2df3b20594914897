// Package trip holds the trip record model, the record validator and the
// deterministic trip identity.
package trip

import "time"

// UnknownFlag replaces an absent or empty store-and-forward flag.
const UnknownFlag = "Unknown"

// Source field names as they appear in the hourly input files.
const (
	FieldVendorID             = "VendorID"
	FieldPickup               = "lpep_pickup_datetime"
	FieldDropoff              = "lpep_dropoff_datetime"
	FieldFlag                 = "store_and_fwd_flag"
	FieldRatecodeID           = "RatecodeID"
	FieldPULocationID         = "PULocationID"
	FieldDOLocationID         = "DOLocationID"
	FieldPassengerCount       = "passenger_count"
	FieldTripDistance         = "trip_distance"
	FieldFareAmount           = "fare_amount"
	FieldExtra                = "extra"
	FieldMTATax               = "mta_tax"
	FieldTipAmount            = "tip_amount"
	FieldTollsAmount          = "tolls_amount"
	FieldEhailFee             = "ehail_fee"
	FieldImprovementSurcharge = "improvement_surcharge"
	FieldTotalAmount          = "total_amount"
	FieldPaymentType          = "payment_type"
	FieldTripType             = "trip_type"
	FieldCongestionSurcharge  = "congestion_surcharge"
	FieldCBDCongestionFee     = "cbd_congestion_fee"

	FieldID         = "trip_id"
	FieldIngestedAt = "ingestion_ts"
)

// RawRecord is one loosely typed row read from an input file. Values may be
// strings, numbers, bools, time.Time or nil.
type RawRecord map[string]any

// CanonicalRecord is a validated trip row. Optional numeric fields stay nil
// when the source value is absent or unparseable.
type CanonicalRecord struct {
	ID string

	VendorID  *int64
	PickupTS  time.Time
	DropoffTS time.Time
	Flag      string

	RatecodeID   *float64
	PULocationID *int64
	DOLocationID *int64

	PassengerCount       *float64
	TripDistance         *float64
	FareAmount           *float64
	Extra                *float64
	MTATax               *float64
	TipAmount            *float64
	TollsAmount          *float64
	EhailFee             *float64
	ImprovementSurcharge *float64
	TotalAmount          *float64
	PaymentType          *float64
	TripType             *float64
	CongestionSurcharge  *float64
	CBDCongestionFee     *float64

	IngestedAt time.Time
}

// Duration is the trip length; never negative for a validated record.
func (r CanonicalRecord) Duration() time.Duration {
	return r.DropoffTS.Sub(r.PickupTS)
}

// ColumnType is the warehouse type of a conformed column.
type ColumnType string

const (
	TypeText      ColumnType = "TEXT"
	TypeBigInt    ColumnType = "BIGINT"
	TypeDouble    ColumnType = "DOUBLE"
	TypeTimestamp ColumnType = "TIMESTAMP"
)

// Column describes one column of the conformed trip table.
type Column struct {
	Name     string
	Type     ColumnType
	Required bool
}

// Columns is the conformed trip table layout, in insert order.
var Columns = []Column{
	{Name: FieldID, Type: TypeText, Required: true},
	{Name: FieldVendorID, Type: TypeBigInt},
	{Name: FieldPickup, Type: TypeTimestamp, Required: true},
	{Name: FieldDropoff, Type: TypeTimestamp, Required: true},
	{Name: FieldFlag, Type: TypeText},
	{Name: FieldRatecodeID, Type: TypeDouble},
	{Name: FieldPULocationID, Type: TypeBigInt},
	{Name: FieldDOLocationID, Type: TypeBigInt},
	{Name: FieldPassengerCount, Type: TypeDouble},
	{Name: FieldTripDistance, Type: TypeDouble},
	{Name: FieldFareAmount, Type: TypeDouble},
	{Name: FieldExtra, Type: TypeDouble},
	{Name: FieldMTATax, Type: TypeDouble},
	{Name: FieldTipAmount, Type: TypeDouble},
	{Name: FieldTollsAmount, Type: TypeDouble},
	{Name: FieldEhailFee, Type: TypeDouble},
	{Name: FieldImprovementSurcharge, Type: TypeDouble},
	{Name: FieldTotalAmount, Type: TypeDouble},
	{Name: FieldPaymentType, Type: TypeDouble},
	{Name: FieldTripType, Type: TypeDouble},
	{Name: FieldCongestionSurcharge, Type: TypeDouble},
	{Name: FieldCBDCongestionFee, Type: TypeDouble},
	{Name: FieldIngestedAt, Type: TypeTimestamp, Required: true},
}

// ColumnNames returns the names of Columns in order.
func ColumnNames() []string {
	names := make([]string, len(Columns))
	for i, c := range Columns {
		names[i] = c.Name
	}
	return names
}

// Values returns the record's column values in Columns order. Nil pointers
// become nil so database drivers write NULL.
func (r CanonicalRecord) Values() []any {
	return []any{
		r.ID,
		nullable(r.VendorID),
		r.PickupTS,
		r.DropoffTS,
		r.Flag,
		nullable(r.RatecodeID),
		nullable(r.PULocationID),
		nullable(r.DOLocationID),
		nullable(r.PassengerCount),
		nullable(r.TripDistance),
		nullable(r.FareAmount),
		nullable(r.Extra),
		nullable(r.MTATax),
		nullable(r.TipAmount),
		nullable(r.TollsAmount),
		nullable(r.EhailFee),
		nullable(r.ImprovementSurcharge),
		nullable(r.TotalAmount),
		nullable(r.PaymentType),
		nullable(r.TripType),
		nullable(r.CongestionSurcharge),
		nullable(r.CBDCongestionFee),
		r.IngestedAt,
	}
}

func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}
