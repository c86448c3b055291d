package crypto

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
)

// AddressPrefix is the human-readable part of coordinator account addresses.
const AddressPrefix = "esc"

// AddressLength is the raw byte length of an account identity.
const AddressLength = 20

// Address represents a 20-byte account identity rendered as a bech32 string
// with the "esc" prefix.
type Address struct {
	bytes [AddressLength]byte
}

// NewAddress wraps the provided raw bytes in an Address.
func NewAddress(b [AddressLength]byte) Address {
	return Address{bytes: b}
}

// AddressFromBytes validates the length of the supplied slice and wraps it in
// an Address.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("address must be %d bytes long, got %d", AddressLength, len(b))
	}
	var raw [AddressLength]byte
	copy(raw[:], b)
	return Address{bytes: raw}, nil
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() [AddressLength]byte {
	return a.bytes
}

// IsZero reports whether the address is the all-zero identity.
func (a Address) IsZero() bool {
	return a.bytes == [AddressLength]byte{}
}

// Equal reports whether two addresses refer to the same identity.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a.bytes[:], other.bytes[:])
}

// String renders the address in its canonical bech32 form.
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AddressPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// MarshalText renders the address as bech32 so records containing addresses
// serialise deterministically.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses a bech32 account address in place.
func (a *Address) UnmarshalText(text []byte) error {
	decoded, err := DecodeAddress(string(text))
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// DecodeAddress parses a bech32 account address and validates its prefix.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != AddressPrefix {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return AddressFromBytes(conv)
}
