package wire

import (
	"fmt"
	"time"

	"pkt.systems/cachetx/api"
)

// Expiration units carried in the nibbles of the expiration byte.
const (
	unitSeconds      byte = 0x00
	unitMilliseconds byte = 0x01
	unitNanoseconds  byte = 0x02
	unitMicroseconds byte = 0x03
	unitMinutes      byte = 0x04
	unitHours        byte = 0x05
	unitDays         byte = 0x06
	unitDefault      byte = 0x07
	unitInfinite     byte = 0x08
)

func expiryUnit(d time.Duration) byte {
	switch {
	case d == 0:
		return unitDefault
	case d < 0:
		return unitInfinite
	default:
		return unitMilliseconds
	}
}

func expirySize(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return VLongSize(uint64(d.Milliseconds()))
}

func expiryHasValue(unit byte) bool { return unit != unitDefault && unit != unitInfinite }

func unitDuration(unit byte) (time.Duration, bool) {
	switch unit {
	case unitSeconds:
		return time.Second, true
	case unitMilliseconds:
		return time.Millisecond, true
	case unitNanoseconds:
		return time.Nanosecond, true
	case unitMicroseconds:
		return time.Microsecond, true
	case unitMinutes:
		return time.Minute, true
	case unitHours:
		return time.Hour, true
	case unitDays:
		return 24 * time.Hour, true
	}
	return 0, false
}

// ExpirationSize returns the encoded size of an expiration block.
func ExpirationSize(lifespan, maxIdle time.Duration) int {
	return 1 + expirySize(lifespan) + expirySize(maxIdle)
}

// WriteExpiration encodes lifespan and maxIdle. Zero means server default,
// negative means never, positive values are sent in milliseconds.
func WriteExpiration(w *Writer, lifespan, maxIdle time.Duration) {
	w.Byte(expiryUnit(lifespan)<<4 | expiryUnit(maxIdle))
	if lifespan > 0 {
		w.VLong(uint64(lifespan.Milliseconds()))
	}
	if maxIdle > 0 {
		w.VLong(uint64(maxIdle.Milliseconds()))
	}
}

// ReadExpiration decodes an expiration block. Server-chosen units other than
// milliseconds are converted to a duration.
func ReadExpiration(r *Reader) (lifespan, maxIdle time.Duration, err error) {
	b, err := r.Byte("expiration.units")
	if err != nil {
		return 0, 0, err
	}
	if lifespan, err = readExpirySide(r, b>>4, "expiration.lifespan"); err != nil {
		return 0, 0, err
	}
	if maxIdle, err = readExpirySide(r, b&0x0F, "expiration.max_idle"); err != nil {
		return 0, 0, err
	}
	return lifespan, maxIdle, nil
}

func readExpirySide(r *Reader, unit byte, field string) (time.Duration, error) {
	switch unit {
	case unitDefault:
		return 0, nil
	case unitInfinite:
		return -1, nil
	}
	scale, ok := unitDuration(unit)
	if !ok {
		return 0, &DecodeError{Field: field, Err: fmt.Errorf("unknown time unit 0x%x", unit)}
	}
	v, err := r.VLong(field)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * scale, nil
}

// ModificationSize returns the exact number of bytes WriteModification emits
// for m.
func ModificationSize(m api.Modification) int {
	n := 1
	if m.Kind.HasKey() {
		n += RangedSize(len(m.Key))
	}
	if m.Kind.HasVersion() {
		n += 8
	}
	if m.Kind.HasValue() {
		n += ExpirationSize(m.Lifespan, m.MaxIdle)
		n += RangedSize(len(m.Value))
	}
	return n
}

// WriteModification encodes m. Fields that do not apply to m.Kind are not
// written.
func WriteModification(w *Writer, m api.Modification) {
	w.Byte(byte(m.Kind))
	if m.Kind.HasKey() {
		w.Ranged(m.Key)
	}
	if m.Kind.HasVersion() {
		w.Int64(m.Version)
	}
	if m.Kind.HasValue() {
		WriteExpiration(w, m.Lifespan, m.MaxIdle)
		w.Ranged(m.Value)
	}
}

// ReadModification decodes one modification.
func ReadModification(r *Reader) (api.Modification, error) {
	var m api.Modification
	kind, err := r.Byte("modification.kind")
	if err != nil {
		return m, err
	}
	m.Kind = api.ModKind(kind)
	if !m.Kind.Valid() {
		return m, &DecodeError{Field: "modification.kind", Err: fmt.Errorf("unknown kind %d", kind)}
	}
	if m.Kind.HasKey() {
		if m.Key, err = r.Ranged("modification.key"); err != nil {
			return m, err
		}
	}
	if m.Kind.HasVersion() {
		if m.Version, err = r.Int64("modification.version"); err != nil {
			return m, err
		}
	}
	if m.Kind.HasValue() {
		if m.Lifespan, m.MaxIdle, err = ReadExpiration(r); err != nil {
			return m, err
		}
		if m.Value, err = r.Ranged("modification.value"); err != nil {
			return m, err
		}
	}
	return m, nil
}
