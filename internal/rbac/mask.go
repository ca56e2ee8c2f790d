package rbac

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

// Mask is an arbitrary-width permission bitmask. The zero value is the empty
// mask. Masks are immutable; every operation returns a new value.
type Mask struct {
	n *big.Int
}

// MaskOf returns a mask with the given bits set. Negative bits are ignored.
func MaskOf(bits ...int) Mask {
	n := new(big.Int)
	for _, b := range bits {
		if b >= 0 {
			n.SetBit(n, b, 1)
		}
	}
	return Mask{n: n}
}

// MaskFromBig copies v into a mask. Negative values yield the empty mask.
func MaskFromBig(v *big.Int) Mask {
	if v == nil || v.Sign() <= 0 {
		return Mask{}
	}
	return Mask{n: new(big.Int).Set(v)}
}

// ParseMask parses a decimal mask string.
func ParseMask(s string) (Mask, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Mask{}, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return Mask{}, fmt.Errorf("rbac: invalid mask %q", s)
	}
	return Mask{n: n}, nil
}

func (m Mask) value() *big.Int {
	if m.n == nil {
		return new(big.Int)
	}
	return m.n
}

// Big returns a copy of the underlying integer.
func (m Mask) Big() *big.Int { return new(big.Int).Set(m.value()) }

// Has reports whether bit is set.
func (m Mask) Has(bit int) bool {
	if bit < 0 || m.n == nil {
		return false
	}
	return m.n.Bit(bit) == 1
}

// With returns m with bit set.
func (m Mask) With(bit int) Mask {
	if bit < 0 {
		return m
	}
	n := m.Big()
	n.SetBit(n, bit, 1)
	return Mask{n: n}
}

// Union returns the bitwise OR of m and o.
func (m Mask) Union(o Mask) Mask {
	return Mask{n: new(big.Int).Or(m.value(), o.value())}
}

// IsZero reports whether no bit is set.
func (m Mask) IsZero() bool { return m.n == nil || m.n.Sign() == 0 }

// Equal compares two masks by value.
func (m Mask) Equal(o Mask) bool { return m.value().Cmp(o.value()) == 0 }

// Bits lists the set bits in ascending order.
func (m Mask) Bits() []int {
	n := m.value()
	bits := make([]int, 0, n.BitLen())
	for i := 0; i < n.BitLen(); i++ {
		if n.Bit(i) == 1 {
			bits = append(bits, i)
		}
	}
	return bits
}

// String renders the mask as a decimal integer.
func (m Mask) String() string { return m.value().String() }

// MarshalJSON encodes the mask as a decimal string so wide masks survive
// JavaScript clients.
func (m Mask) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts both a decimal string and a bare JSON number.
func (m *Mask) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "null" {
		*m = Mask{}
		return nil
	}
	parsed, err := ParseMask(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Numeric converts the mask to an unscaled NUMERIC value of any width.
func (m Mask) Numeric() pgtype.Numeric {
	return pgtype.Numeric{Int: m.Big(), Exp: 0, Valid: true}
}

// MaskFromNumeric converts a scanned NUMERIC column into a mask. NULL and
// negative values are the empty mask.
func MaskFromNumeric(v pgtype.Numeric) Mask {
	if !v.Valid || v.Int == nil {
		return Mask{}
	}
	n := new(big.Int).Set(v.Int)
	switch {
	case v.Exp > 0:
		n.Mul(n, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.Exp)), nil))
	case v.Exp < 0:
		n.Quo(n, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-v.Exp)), nil))
	}
	return MaskFromBig(n)
}
