package trip

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// absent is how a missing key component is rendered.
const absent = "None"

// Key returns the composite identity key of a record:
//
//	{VendorID}-{pickup}-{dropoff}-{PULocationID}-{DOLocationID}
//
// Timestamps use the ISO rendering of FormatTimestamp.
func Key(rec CanonicalRecord) string {
	var b strings.Builder
	b.WriteString(formatInt(rec.VendorID))
	b.WriteByte('-')
	b.WriteString(FormatTimestamp(rec.PickupTS))
	b.WriteByte('-')
	b.WriteString(FormatTimestamp(rec.DropoffTS))
	b.WriteByte('-')
	b.WriteString(formatInt(rec.PULocationID))
	b.WriteByte('-')
	b.WriteString(formatInt(rec.DOLocationID))
	return b.String()
}

// Identify returns the hex MD5 digest of the record's Key. The digest only
// depends on the five key fields, so reprocessing a file yields the same IDs.
func Identify(rec CanonicalRecord) string {
	sum := md5.Sum([]byte(Key(rec)))
	return hex.EncodeToString(sum[:])
}

// FormatTimestamp renders t as YYYY-MM-DDTHH:MM:SS, adding microseconds only
// when they are non-zero and an offset only when t is not in UTC.
func FormatTimestamp(t time.Time) string {
	layout := "2006-01-02T15:04:05"
	if t.Nanosecond()/int(time.Microsecond) != 0 {
		layout += ".000000"
	}
	if t.Location() != time.UTC {
		layout += "-07:00"
	}
	return t.Truncate(time.Microsecond).Format(layout)
}

func formatInt(v *int64) string {
	if v == nil {
		return absent
	}
	return strconv.FormatInt(*v, 10)
}
