package proto

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/multiformats/go-varint"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	ProtocolVersion1   uint64 = 1
	MaxProtocolVersion        = ProtocolVersion1

	MaxBlockSize     = 4 << 20
	MaxListLength    = 8192
	MaxTypeLength    = 256
	MaxNameLength    = 256
	MaxAddressLength = 1024
	MaxCertBytes     = 8192
)

var (
	ErrMalformed      = errors.New("malformed message")
	ErrTooLarge       = errors.New("message field too large")
	ErrUnknownMessage = errors.New("unknown message type")
)

func EncodeVersion(v uint64) []byte {
	return varint.ToUvarint(v)
}

func DecodeVersion(frame []byte) (uint64, error) {
	v, n, err := varint.FromUvarint(frame)
	if err != nil {
		return 0, fmt.Errorf("%w: version: %v", ErrMalformed, err)
	}
	if n != len(frame) {
		return 0, fmt.Errorf("%w: trailing bytes after version", ErrMalformed)
	}
	return v, nil
}

func EncodeProfile(p *ProfileMsg) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil profile", ErrMalformed)
	}
	if len(p.Location) > MaxListLength {
		return nil, fmt.Errorf("%w: location list", ErrTooLarge)
	}
	var b []byte
	b = appendBytesField(b, 1, p.ID[:])
	for _, addr := range p.Location {
		b = appendStringField(b, 2, string(addr))
	}
	return b, nil
}

func DecodeProfile(frame []byte) (*ProfileMsg, error) {
	p := &ProfileMsg{}
	haveID := false
	r := fieldReader{b: frame}
	for {
		num, typ, ok, err := r.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			v, err := r.bytes(typ)
			if err != nil {
				return nil, err
			}
			if err := readKey(v, (*[KeySize]byte)(&p.ID)); err != nil {
				return nil, err
			}
			haveID = true
		case 2:
			addr, err := r.str(typ, MaxAddressLength)
			if err != nil {
				return nil, err
			}
			if len(p.Location) >= MaxListLength {
				return nil, fmt.Errorf("%w: location list", ErrTooLarge)
			}
			p.Location = append(p.Location, Address(addr))
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	if !haveID {
		return nil, fmt.Errorf("%w: profile without node id", ErrMalformed)
	}
	return p, nil
}

// Encode writes the varint message tag followed by the payload.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	b := varint.ToUvarint(uint64(m.Type()))
	switch msg := m.(type) {
	case *LocationsPublishMsg:
		if len(msg.Addresses) > MaxListLength {
			return nil, fmt.Errorf("%w: address list", ErrTooLarge)
		}
		for _, addr := range msg.Addresses {
			b = appendStringField(b, 1, string(addr))
		}
	case *BlocksLinkMsg:
		return appendHashList(b, msg.Hashes)
	case *BlocksRequestMsg:
		return appendHashList(b, msg.Hashes)
	case *BlockResultMsg:
		if len(msg.Value) > MaxBlockSize {
			return nil, fmt.Errorf("%w: block value", ErrTooLarge)
		}
		b = appendBytesField(b, 1, msg.Hash[:])
		b = appendBytesField(b, 2, msg.Value)
	case *BroadcastCluesRequestMsg:
		return appendSignatureList(b, msg.Signatures)
	case *UnicastCluesRequestMsg:
		return appendSignatureList(b, msg.Signatures)
	case *MulticastCluesRequestMsg:
		if len(msg.Tags) > MaxListLength {
			return nil, fmt.Errorf("%w: tag list", ErrTooLarge)
		}
		for _, tag := range msg.Tags {
			b = appendBytesField(b, 1, encodeTag(tag))
		}
	case *BroadcastCluesResultMsg:
		if len(msg.Clues) > MaxListLength {
			return nil, fmt.Errorf("%w: clue list", ErrTooLarge)
		}
		for _, c := range msg.Clues {
			b = appendBytesField(b, 1, encodeBroadcastClue(c))
		}
	case *UnicastCluesResultMsg:
		if len(msg.Clues) > MaxListLength {
			return nil, fmt.Errorf("%w: clue list", ErrTooLarge)
		}
		for _, c := range msg.Clues {
			b = appendBytesField(b, 1, encodeUnicastClue(c))
		}
	case *MulticastCluesResultMsg:
		if len(msg.Clues) > MaxListLength {
			return nil, fmt.Errorf("%w: clue list", ErrTooLarge)
		}
		for _, c := range msg.Clues {
			b = appendBytesField(b, 1, encodeMulticastClue(c))
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
	return b, nil
}

func Decode(frame []byte) (Message, error) {
	tag, n, err := varint.FromUvarint(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: message tag: %v", ErrMalformed, err)
	}
	payload := frame[n:]
	switch MsgType(tag) {
	case MsgLocationsPublish:
		m := &LocationsPublishMsg{}
		err := eachField(payload, 1, func(v []byte) error {
			if len(v) > MaxAddressLength {
				return fmt.Errorf("%w: address", ErrTooLarge)
			}
			if len(m.Addresses) >= MaxListLength {
				return fmt.Errorf("%w: address list", ErrTooLarge)
			}
			m.Addresses = append(m.Addresses, Address(v))
			return nil
		})
		return m, err
	case MsgBlocksLink:
		hashes, err := decodeHashList(payload)
		return &BlocksLinkMsg{Hashes: hashes}, err
	case MsgBlocksRequest:
		hashes, err := decodeHashList(payload)
		return &BlocksRequestMsg{Hashes: hashes}, err
	case MsgBlockResult:
		return decodeBlockResult(payload)
	case MsgBroadcastCluesRequest:
		sigs, err := decodeSignatureList(payload)
		return &BroadcastCluesRequestMsg{Signatures: sigs}, err
	case MsgUnicastCluesRequest:
		sigs, err := decodeSignatureList(payload)
		return &UnicastCluesRequestMsg{Signatures: sigs}, err
	case MsgMulticastCluesRequest:
		m := &MulticastCluesRequestMsg{}
		err := eachField(payload, 1, func(v []byte) error {
			if len(m.Tags) >= MaxListLength {
				return fmt.Errorf("%w: tag list", ErrTooLarge)
			}
			tag, err := decodeTag(v)
			if err != nil {
				return err
			}
			m.Tags = append(m.Tags, tag)
			return nil
		})
		return m, err
	case MsgBroadcastCluesResult:
		m := &BroadcastCluesResultMsg{}
		err := eachField(payload, 1, func(v []byte) error {
			if len(m.Clues) >= MaxListLength {
				return fmt.Errorf("%w: clue list", ErrTooLarge)
			}
			c, err := decodeBroadcastClue(v)
			if err != nil {
				return err
			}
			m.Clues = append(m.Clues, c)
			return nil
		})
		return m, err
	case MsgUnicastCluesResult:
		m := &UnicastCluesResultMsg{}
		err := eachField(payload, 1, func(v []byte) error {
			if len(m.Clues) >= MaxListLength {
				return fmt.Errorf("%w: clue list", ErrTooLarge)
			}
			c, err := decodeUnicastClue(v)
			if err != nil {
				return err
			}
			m.Clues = append(m.Clues, c)
			return nil
		})
		return m, err
	case MsgMulticastCluesResult:
		m := &MulticastCluesResultMsg{}
		err := eachField(payload, 1, func(v []byte) error {
			if len(m.Clues) >= MaxListLength {
				return fmt.Errorf("%w: clue list", ErrTooLarge)
			}
			c, err := decodeMulticastClue(v)
			if err != nil {
				return err
			}
			m.Clues = append(m.Clues, c)
			return nil
		})
		return m, err
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, tag)
	}
}

func appendHashList(b []byte, hashes []Hash) ([]byte, error) {
	if len(hashes) > MaxListLength {
		return nil, fmt.Errorf("%w: hash list", ErrTooLarge)
	}
	for _, h := range hashes {
		b = appendBytesField(b, 1, h[:])
	}
	return b, nil
}

func decodeHashList(payload []byte) ([]Hash, error) {
	var out []Hash
	err := eachField(payload, 1, func(v []byte) error {
		if len(out) >= MaxListLength {
			return fmt.Errorf("%w: hash list", ErrTooLarge)
		}
		var h Hash
		if err := readKey(v, (*[KeySize]byte)(&h)); err != nil {
			return err
		}
		out = append(out, h)
		return nil
	})
	return out, err
}

func appendSignatureList(b []byte, sigs []Signature) ([]byte, error) {
	if len(sigs) > MaxListLength {
		return nil, fmt.Errorf("%w: signature list", ErrTooLarge)
	}
	for _, s := range sigs {
		b = appendBytesField(b, 1, encodeSignature(s))
	}
	return b, nil
}

func decodeSignatureList(payload []byte) ([]Signature, error) {
	var out []Signature
	err := eachField(payload, 1, func(v []byte) error {
		if len(out) >= MaxListLength {
			return fmt.Errorf("%w: signature list", ErrTooLarge)
		}
		s, err := decodeSignature(v)
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

func decodeBlockResult(payload []byte) (*BlockResultMsg, error) {
	m := &BlockResultMsg{}
	haveHash := false
	r := fieldReader{b: payload}
	for {
		num, typ, ok, err := r.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			v, err := r.bytes(typ)
			if err != nil {
				return nil, err
			}
			if err := readKey(v, (*[KeySize]byte)(&m.Hash)); err != nil {
				return nil, err
			}
			haveHash = true
		case 2:
			v, err := r.bytes(typ)
			if err != nil {
				return nil, err
			}
			if len(v) > MaxBlockSize {
				return nil, fmt.Errorf("%w: block value", ErrTooLarge)
			}
			m.Value = bytes.Clone(v)
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	if !haveHash {
		return nil, fmt.Errorf("%w: block result without hash", ErrMalformed)
	}
	return m, nil
}

func encodeNamedKey(name string, id [KeySize]byte) []byte {
	var b []byte
	b = appendStringField(b, 1, name)
	return appendBytesField(b, 2, id[:])
}

func decodeNamedKey(v []byte) (string, [KeySize]byte, error) {
	var (
		name string
		id   [KeySize]byte
	)
	r := fieldReader{b: v}
	for {
		num, typ, ok, err := r.next()
		if err != nil {
			return "", id, err
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			if name, err = r.str(typ, MaxNameLength); err != nil {
				return "", id, err
			}
		case 2:
			raw, err := r.bytes(typ)
			if err != nil {
				return "", id, err
			}
			if err := readKey(raw, &id); err != nil {
				return "", id, err
			}
		default:
			if err := r.skip(num, typ); err != nil {
				return "", id, err
			}
		}
	}
	return name, id, nil
}

func encodeSignature(s Signature) []byte { return encodeNamedKey(s.Name, s.ID) }
func encodeTag(t Tag) []byte             { return encodeNamedKey(t.Name, t.ID) }

func decodeSignature(v []byte) (Signature, error) {
	name, id, err := decodeNamedKey(v)
	return Signature{Name: name, ID: id}, err
}

func decodeTag(v []byte) (Tag, error) {
	name, id, err := decodeNamedKey(v)
	return Tag{Name: name, ID: id}, err
}

func encodeClue(c Clue) []byte {
	var b []byte
	b = appendBytesField(b, 1, c.Hash[:])
	return appendVarintField(b, 2, uint64(c.Depth))
}

func decodeClue(v []byte) (Clue, error) {
	var c Clue
	r := fieldReader{b: v}
	for {
		num, typ, ok, err := r.next()
		if err != nil {
			return c, err
		}
		if !ok {
			return c, nil
		}
		switch num {
		case 1:
			raw, err := r.bytes(typ)
			if err != nil {
				return c, err
			}
			if err := readKey(raw, (*[KeySize]byte)(&c.Hash)); err != nil {
				return c, err
			}
		case 2:
			d, err := r.varint(typ)
			if err != nil {
				return c, err
			}
			c.Depth = uint32(d)
		default:
			if err := r.skip(num, typ); err != nil {
				return c, err
			}
		}
	}
}

func encodeCertificate(c Certificate) []byte {
	var b []byte
	b = appendBytesField(b, 1, encodeSignature(c.Signature))
	b = appendBytesField(b, 2, c.PublicKey)
	return appendBytesField(b, 3, c.Value)
}

func decodeCertificate(v []byte) (Certificate, error) {
	var c Certificate
	r := fieldReader{b: v}
	for {
		num, typ, ok, err := r.next()
		if err != nil {
			return c, err
		}
		if !ok {
			return c, nil
		}
		switch num {
		case 1:
			raw, err := r.bytes(typ)
			if err != nil {
				return c, err
			}
			if c.Signature, err = decodeSignature(raw); err != nil {
				return c, err
			}
		case 2, 3:
			raw, err := r.bytes(typ)
			if err != nil {
				return c, err
			}
			if len(raw) > MaxCertBytes {
				return c, fmt.Errorf("%w: certificate", ErrTooLarge)
			}
			if num == 2 {
				c.PublicKey = bytes.Clone(raw)
			} else {
				c.Value = bytes.Clone(raw)
			}
		default:
			if err := r.skip(num, typ); err != nil {
				return c, err
			}
		}
	}
}

// clueFields holds the parts shared by the three clue families. Field 2 is
// the family key (signature or tag) and is absent for broadcast clues.
type clueFields struct {
	typ      string
	key      []byte
	created  time.Time
	clue     Clue
	cert     Certificate
	haveClue bool
}

func encodeClueFields(typ string, key []byte, created time.Time, clue Clue, cert Certificate) []byte {
	var b []byte
	b = appendStringField(b, 1, typ)
	b = appendBytesField(b, 2, key)
	b = appendTimeField(b, 3, created)
	b = appendBytesField(b, 4, encodeClue(clue))
	return appendBytesField(b, 5, encodeCertificate(cert))
}

func decodeClueFields(v []byte) (clueFields, error) {
	var f clueFields
	r := fieldReader{b: v}
	for {
		num, typ, ok, err := r.next()
		if err != nil {
			return f, err
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			if f.typ, err = r.str(typ, MaxTypeLength); err != nil {
				return f, err
			}
		case 2:
			if f.key, err = r.bytes(typ); err != nil {
				return f, err
			}
		case 3:
			ns, err := r.varint(typ)
			if err != nil {
				return f, err
			}
			f.created = time.Unix(0, int64(ns)).UTC()
		case 4:
			raw, err := r.bytes(typ)
			if err != nil {
				return f, err
			}
			if f.clue, err = decodeClue(raw); err != nil {
				return f, err
			}
			f.haveClue = true
		case 5:
			raw, err := r.bytes(typ)
			if err != nil {
				return f, err
			}
			if f.cert, err = decodeCertificate(raw); err != nil {
				return f, err
			}
		default:
			if err := r.skip(num, typ); err != nil {
				return f, err
			}
		}
	}
	if !f.haveClue {
		return f, fmt.Errorf("%w: clue record without pointer", ErrMalformed)
	}
	return f, nil
}

func encodeBroadcastClue(c BroadcastClue) []byte {
	return encodeClueFields(c.Type, nil, c.CreationTime, c.Clue, c.Certificate)
}

func decodeBroadcastClue(v []byte) (BroadcastClue, error) {
	f, err := decodeClueFields(v)
	if err != nil {
		return BroadcastClue{}, err
	}
	return BroadcastClue{Type: f.typ, CreationTime: f.created, Clue: f.clue, Certificate: f.cert}, nil
}

func encodeUnicastClue(c UnicastClue) []byte {
	return encodeClueFields(c.Type, encodeSignature(c.Signature), c.CreationTime, c.Clue, c.Certificate)
}

func decodeUnicastClue(v []byte) (UnicastClue, error) {
	f, err := decodeClueFields(v)
	if err != nil {
		return UnicastClue{}, err
	}
	sig, err := decodeSignature(f.key)
	if err != nil {
		return UnicastClue{}, err
	}
	return UnicastClue{Type: f.typ, Signature: sig, CreationTime: f.created, Clue: f.clue, Certificate: f.cert}, nil
}

func encodeMulticastClue(c MulticastClue) []byte {
	return encodeClueFields(c.Type, encodeTag(c.Tag), c.CreationTime, c.Clue, c.Certificate)
}

func decodeMulticastClue(v []byte) (MulticastClue, error) {
	f, err := decodeClueFields(v)
	if err != nil {
		return MulticastClue{}, err
	}
	tag, err := decodeTag(f.key)
	if err != nil {
		return MulticastClue{}, err
	}
	return MulticastClue{Type: f.typ, Tag: tag, CreationTime: f.created, Clue: f.clue, Certificate: f.cert}, nil
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendTimeField(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(t.UnixNano()))
}

func readKey(v []byte, dst *[KeySize]byte) error {
	if len(v) != KeySize {
		return fmt.Errorf("%w: key length %d", ErrMalformed, len(v))
	}
	copy(dst[:], v)
	return nil
}

// eachField calls fn for every bytes value of field num and skips the rest.
func eachField(payload []byte, num protowire.Number, fn func([]byte) error) error {
	r := fieldReader{b: payload}
	for {
		n, typ, ok, err := r.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if n != num {
			if err := r.skip(n, typ); err != nil {
				return err
			}
			continue
		}
		v, err := r.bytes(typ)
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}

type fieldReader struct {
	b []byte
}

func (r *fieldReader) next() (protowire.Number, protowire.Type, bool, error) {
	if len(r.b) == 0 {
		return 0, 0, false, nil
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		return 0, 0, false, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return num, typ, true, nil
}

func (r *fieldReader) bytes(typ protowire.Type) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("%w: wire type %d, want bytes", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *fieldReader) str(typ protowire.Type, max int) (string, error) {
	v, err := r.bytes(typ)
	if err != nil {
		return "", err
	}
	if len(v) > max {
		return "", fmt.Errorf("%w: string field", ErrTooLarge)
	}
	return string(v), nil
}

func (r *fieldReader) varint(typ protowire.Type) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: wire type %d, want varint", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *fieldReader) skip(num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, r.b)
	if n < 0 {
		return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return nil
}
