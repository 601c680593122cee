package tuple

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Errors returned by PackWithVersionstamp.
var (
	ErrNoIncompleteVersionstamp        = errors.New("tuple: no incomplete versionstamp included in tuple pack with versionstamp")
	ErrMultipleIncompleteVersionstamps = errors.New("tuple: tuple can only contain one incomplete versionstamp")
)

// Versionstamp is a 10-byte commit version followed by a 2-byte user
// version. An incomplete versionstamp has every transaction byte set to
// 0xff and is filled in by the store at commit time.
type Versionstamp struct {
	TransactionVersion [10]byte
	UserVersion        uint16
}

var incompleteTransactionVersion = [10]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IncompleteVersionstamp returns a placeholder versionstamp.
func IncompleteVersionstamp(userVersion uint16) Versionstamp {
	return Versionstamp{TransactionVersion: incompleteTransactionVersion, UserVersion: userVersion}
}

// IsComplete reports whether the transaction version has been filled in.
func (v Versionstamp) IsComplete() bool {
	return v.TransactionVersion != incompleteTransactionVersion
}

// Bytes returns the 12-byte wire form.
func (v Versionstamp) Bytes() []byte {
	b := make([]byte, 0, 12)
	b = append(b, v.TransactionVersion[:]...)
	return binary.BigEndian.AppendUint16(b, v.UserVersion)
}

func (v Versionstamp) String() string {
	if !v.IsComplete() {
		return fmt.Sprintf("Versionstamp(<incomplete>, %d)", v.UserVersion)
	}
	return fmt.Sprintf("Versionstamp(%s, %d)", hex.EncodeToString(v.TransactionVersion[:]), v.UserVersion)
}

// PackWithVersionstamp encodes prefix followed by the packed tuple, then
// appends the 4-byte little-endian offset of the single incomplete
// versionstamp, as expected by versionstamped-key mutations.
func (t Tuple) PackWithVersionstamp(prefix []byte) ([]byte, error) {
	p := &packer{buf: append([]byte{}, prefix...)}
	if err := p.encodeTuple(t, false); err != nil {
		return nil, err
	}
	switch len(p.stamps) {
	case 0:
		return nil, ErrNoIncompleteVersionstamp
	case 1:
	default:
		return nil, ErrMultipleIncompleteVersionstamps
	}
	return binary.LittleEndian.AppendUint32(p.buf, uint32(p.stamps[0])), nil
}

// HasIncompleteVersionstamp reports whether t contains at least one
// incomplete versionstamp at any nesting depth.
func (t Tuple) HasIncompleteVersionstamp() bool {
	for _, e := range t {
		switch v := e.(type) {
		case Versionstamp:
			if !v.IsComplete() {
				return true
			}
		case Tuple:
			if v.HasIncompleteVersionstamp() {
				return true
			}
		}
	}
	return false
}
