package txparse

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTruncated marks input that ended before the structure it promised.
	ErrTruncated = errors.New("transaction truncated")

	// ErrUncertainEnvelope marks an envelope the parser does not understand
	// well enough to make a definitive claim about the payment transaction.
	// Callers must treat it as "do not block": the wallet's internalize
	// response is the authoritative gate, this parser is defense-in-depth.
	ErrUncertainEnvelope = errors.New("unrecognized transaction envelope")
)

// atomicBEEFPrefix marks an Atomic BEEF blob: prefix, then the 32-byte
// subject txid, then ordinary BEEF.
var atomicBEEFPrefix = [4]byte{0x01, 0x01, 0x01, 0x01}

// Input is one parsed transaction input.
type Input struct {
	PrevTxID        [32]byte
	PrevVout        uint32
	UnlockingScript []byte
	Sequence        uint32
}

// Output is one parsed transaction output.
type Output struct {
	Satoshis      uint64
	LockingScript []byte
}

// Tx is the parsed layout of a standard transaction body.
type Tx struct {
	Version  uint32
	Inputs   []Input
	Outputs  []Output
	LockTime uint32
}

// Parse reads a raw transaction, optionally unwrapping a BEEF or Atomic-BEEF
// envelope first. BEEF detection is the magic bytes 0xBE 0xEF at offset 2-3.
func Parse(raw []byte) (*Tx, error) {
	body, err := unwrap(raw)
	if err != nil {
		return nil, err
	}
	r := &reader{buf: body}
	tx, err := r.readTx()
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// unwrap returns the plain transaction bytes inside raw, stripping envelope
// framing when present.
func unwrap(raw []byte) ([]byte, error) {
	if len(raw) < 4 {
		return nil, ErrTruncated
	}
	if [4]byte(raw[:4]) == atomicBEEFPrefix {
		if len(raw) < 4+32+4 {
			return nil, ErrTruncated
		}
		raw = raw[4+32:]
	}
	if raw[2] == 0xBE && raw[3] == 0xEF {
		return extractFromBEEF(raw)
	}
	return raw, nil
}

// extractFromBEEF pulls the subject transaction out of a BEEF blob. Only the
// simple shape (no merkle paths beyond indices we can skip past) is handled;
// anything else is ErrUncertainEnvelope.
func extractFromBEEF(raw []byte) ([]byte, error) {
	r := &reader{buf: raw}
	if _, err := r.readUint32(); err != nil { // BEEF version
		return nil, err
	}
	nBumps, err := r.readVarint()
	if err != nil {
		return nil, err
	}
	if nBumps != 0 {
		// BUMP proofs carry their own nested structure; skipping them
		// reliably is more machinery than this check warrants.
		return nil, ErrUncertainEnvelope
	}
	nTx, err := r.readVarint()
	if err != nil {
		return nil, err
	}
	if nTx == 0 {
		return nil, ErrUncertainEnvelope
	}

	// The subject transaction is serialized last.
	var lastStart, lastEnd int
	for i := uint64(0); i < nTx; i++ {
		lastStart = r.off
		if _, err := r.readTx(); err != nil {
			return nil, err
		}
		lastEnd = r.off
		hasBump, err := r.readByte()
		if err != nil {
			return nil, err
		}
		if hasBump == 0x01 {
			if _, err := r.readVarint(); err != nil {
				return nil, err
			}
		}
	}
	return r.buf[lastStart:lastEnd], nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrTruncated
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrTruncated
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) readUint32() (uint32, error) {
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) readUint64() (uint64, error) {
	b, err := r.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// readVarint reads the standard Bitcoin compact-size integer.
func (r *reader) readVarint() (uint64, error) {
	first, err := r.readByte()
	if err != nil {
		return 0, err
	}
	switch first {
	case 0xfd:
		b, err := r.readBytes(2)
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 0xfe:
		v, err := r.readUint32()
		return uint64(v), err
	case 0xff:
		return r.readUint64()
	default:
		return uint64(first), nil
	}
}

func (r *reader) readTx() (*Tx, error) {
	version, err := r.readUint32()
	if err != nil {
		return nil, err
	}

	nIn, err := r.readVarint()
	if err != nil {
		return nil, err
	}
	if nIn > uint64(r.remaining()) {
		return nil, fmt.Errorf("%w: input count %d exceeds remaining bytes", ErrTruncated, nIn)
	}
	tx := &Tx{Version: version}
	for i := uint64(0); i < nIn; i++ {
		var in Input
		prev, err := r.readBytes(32)
		if err != nil {
			return nil, err
		}
		copy(in.PrevTxID[:], prev)
		if in.PrevVout, err = r.readUint32(); err != nil {
			return nil, err
		}
		scriptLen, err := r.readVarint()
		if err != nil {
			return nil, err
		}
		if in.UnlockingScript, err = r.readBytes(int(scriptLen)); err != nil {
			return nil, err
		}
		if in.Sequence, err = r.readUint32(); err != nil {
			return nil, err
		}
		tx.Inputs = append(tx.Inputs, in)
	}

	nOut, err := r.readVarint()
	if err != nil {
		return nil, err
	}
	if nOut > uint64(r.remaining()) {
		return nil, fmt.Errorf("%w: output count %d exceeds remaining bytes", ErrTruncated, nOut)
	}
	for i := uint64(0); i < nOut; i++ {
		var out Output
		if out.Satoshis, err = r.readUint64(); err != nil {
			return nil, err
		}
		scriptLen, err := r.readVarint()
		if err != nil {
			return nil, err
		}
		if out.LockingScript, err = r.readBytes(int(scriptLen)); err != nil {
			return nil, err
		}
		tx.Outputs = append(tx.Outputs, out)
	}

	if tx.LockTime, err = r.readUint32(); err != nil {
		return nil, err
	}
	return tx, nil
}
