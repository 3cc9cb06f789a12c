package pkgcore

import (
	"bytes"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
)

// Digest is a sha256 checksum, used throughout the core for file checksums
// and the package manifest digest.
//
// The zero Digest is not valid; construct one with [NewDigest] or by
// unmarshaling a "sha256:<hex>" string.
type Digest struct {
	checksum [sha256.Size]byte
	set      bool
}

// NewDigest constructs a Digest from a raw sha256 sum.
func NewDigest(sum []byte) (Digest, error) {
	var d Digest
	if len(sum) != sha256.Size {
		return d, &DigestError{msg: fmt.Sprintf("bad checksum length: %d", len(sum))}
	}
	copy(d.checksum[:], sum)
	d.set = true
	return d, nil
}

// SumBytes returns the sha256 digest of b.
func SumBytes(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest{checksum: sum, set: true}
}

// Checksum returns the raw checksum bytes.
func (d Digest) Checksum() []byte {
	if !d.set {
		return nil
	}
	out := make([]byte, sha256.Size)
	copy(out, d.checksum[:])
	return out
}

// String implements fmt.Stringer, returning "sha256:<hex>".
func (d Digest) String() string {
	if !d.set {
		return ""
	}
	return "sha256:" + hex.EncodeToString(d.checksum[:])
}

// IsZero reports whether d carries no checksum.
func (d Digest) IsZero() bool { return !d.set }

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(t []byte) error {
	i := bytes.IndexByte(t, ':')
	if i == -1 {
		return &DigestError{msg: "invalid digest format"}
	}
	if algo := string(t[:i]); algo != "sha256" {
		return &DigestError{msg: fmt.Sprintf("unsupported algorithm %q", algo)}
	}
	b := make([]byte, hex.DecodedLen(len(t)-i-1))
	if _, err := hex.Decode(b, t[i+1:]); err != nil {
		return &DigestError{msg: "unable to decode digest as hex", inner: err}
	}
	nd, err := NewDigest(b)
	if err != nil {
		return err
	}
	*d = nd
	return nil
}

// Scan implements sql.Scanner.
func (d *Digest) Scan(i interface{}) error {
	switch v := i.(type) {
	case nil:
		*d = Digest{}
		return nil
	case string:
		if v == "" {
			*d = Digest{}
			return nil
		}
		return d.UnmarshalText([]byte(v))
	default:
		return &DigestError{msg: fmt.Sprintf("invalid digest type: %T", v)}
	}
}

// Value implements driver.Valuer.
func (d Digest) Value() (driver.Value, error) {
	if !d.set {
		return nil, nil
	}
	return d.String(), nil
}

// DigestError is the concrete type backing errors returned from Digest's
// methods.
type DigestError struct {
	msg   string
	inner error
}

func (e *DigestError) Error() string { return e.msg }
func (e *DigestError) Unwrap() error { return e.inner }
