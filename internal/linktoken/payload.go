package linktoken

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// payloadVersion prefixes every encoded payload so the layout can evolve.
const payloadVersion byte = 1

// maxFieldLength bounds every string field of the payload.
const maxFieldLength = 512

var (
	ErrMalformed      = errors.New("linktoken: malformed token")
	ErrInvalidPayload = errors.New("linktoken: invalid payload")
)

// Payload is the signed unit of a purchase link. Amounts are minor currency units.
type Payload struct {
	BusinessID   string `json:"businessId"`
	BusinessName string `json:"businessName"`
	Price        int64  `json:"price"`
	Value        int64  `json:"value"`
	CampaignID   string `json:"campaignId,omitempty"`
	PreviewPages int64  `json:"previewPages"`
	IssuedAt     int64  `json:"issuedAt"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// Validate checks the field constraints of a payload.
func (p Payload) Validate() error {
	switch {
	case p.BusinessID == "":
		return fmt.Errorf("%w: business id is required", ErrInvalidPayload)
	case p.BusinessName == "":
		return fmt.Errorf("%w: business name is required", ErrInvalidPayload)
	case p.Price < 0:
		return fmt.Errorf("%w: price must not be negative", ErrInvalidPayload)
	case p.Value < 0:
		return fmt.Errorf("%w: value must not be negative", ErrInvalidPayload)
	case p.PreviewPages < 0:
		return fmt.Errorf("%w: preview pages must not be negative", ErrInvalidPayload)
	case p.ExpiresAt <= p.IssuedAt:
		return fmt.Errorf("%w: expiry must be after issue time", ErrInvalidPayload)
	}
	for name, s := range map[string]string{
		"business id":   p.BusinessID,
		"business name": p.BusinessName,
		"campaign id":   p.CampaignID,
	} {
		if len(s) > maxFieldLength {
			return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidPayload, name, maxFieldLength)
		}
		if !utf8.ValidString(s) {
			return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidPayload, name)
		}
	}
	return nil
}

// EncodePayload serializes p into its canonical byte form.
//
// Layout: version byte, then fields in declaration order. Strings are a
// uvarint length followed by raw bytes; non-negative integers are uvarints;
// timestamps are zig-zag varints. Length prefixes make the encoding injective
// regardless of field contents.
func EncodePayload(p Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 64+len(p.BusinessID)+len(p.BusinessName)+len(p.CampaignID))
	buf = append(buf, payloadVersion)
	buf = appendString(buf, p.BusinessID)
	buf = appendString(buf, p.BusinessName)
	buf = binary.AppendUvarint(buf, uint64(p.Price))
	buf = binary.AppendUvarint(buf, uint64(p.Value))
	buf = appendString(buf, p.CampaignID)
	buf = binary.AppendUvarint(buf, uint64(p.PreviewPages))
	buf = binary.AppendVarint(buf, p.IssuedAt)
	buf = binary.AppendVarint(buf, p.ExpiresAt)
	return buf, nil
}

// DecodePayload is the inverse of EncodePayload. Any input that does not
// re-encode to exactly the same bytes is rejected with ErrMalformed.
func DecodePayload(data []byte) (Payload, error) {
	d := decoder{data: data}
	if v := d.readByte(); v != payloadVersion {
		return Payload{}, ErrMalformed
	}

	var p Payload
	p.BusinessID = d.readString()
	p.BusinessName = d.readString()
	p.Price = d.readInt()
	p.Value = d.readInt()
	p.CampaignID = d.readString()
	p.PreviewPages = d.readInt()
	p.IssuedAt = d.readVarint()
	p.ExpiresAt = d.readVarint()

	if d.err != nil || d.off != len(data) {
		return Payload{}, ErrMalformed
	}

	canonical, err := EncodePayload(p)
	if err != nil || !bytes.Equal(canonical, data) {
		return Payload{}, ErrMalformed
	}
	return p, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// decoder reads fields sequentially and latches the first error.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) readByte() byte {
	if d.err != nil {
		return 0
	}
	if d.off >= len(d.data) {
		d.err = ErrMalformed
		return 0
	}
	b := d.data[d.off]
	d.off++
	return b
}

func (d *decoder) readUvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.data[d.off:])
	if n <= 0 {
		d.err = ErrMalformed
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) readVarint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.data[d.off:])
	if n <= 0 {
		d.err = ErrMalformed
		return 0
	}
	d.off += n
	return v
}

// readInt reads a non-negative integer that must fit in int64.
func (d *decoder) readInt() int64 {
	v := d.readUvarint()
	if v > math.MaxInt64 {
		d.err = ErrMalformed
		return 0
	}
	return int64(v)
}

func (d *decoder) readString() string {
	n := d.readUvarint()
	if d.err != nil {
		return ""
	}
	if n > maxFieldLength || n > uint64(len(d.data)-d.off) {
		d.err = ErrMalformed
		return ""
	}
	s := string(d.data[d.off : d.off+int(n)])
	d.off += int(n)
	return s
}
