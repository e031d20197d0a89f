package txparse

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTx serializes a minimal transaction with the given output values and
// scripts.
func buildTx(outputs ...Output) []byte {
	var buf bytes.Buffer
	writeUint32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}

	writeUint32(1)       // version
	buf.WriteByte(1)     // input count
	buf.Write(make([]byte, 32)) // prev txid
	writeUint32(0)       // prev vout
	buf.WriteByte(0)     // empty unlocking script
	writeUint32(0xffffffff)

	buf.WriteByte(byte(len(outputs)))
	for _, out := range outputs {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], out.Satoshis)
		buf.Write(b[:])
		buf.WriteByte(byte(len(out.LockingScript)))
		buf.Write(out.LockingScript)
	}
	writeUint32(0) // locktime
	return buf.Bytes()
}

func TestParsePlainTx(t *testing.T) {
	raw := buildTx(
		Output{Satoshis: 10, LockingScript: []byte{0x51}},
		Output{Satoshis: 2, LockingScript: []byte{0x52, 0x53}},
	)

	tx, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), tx.Version)
	require.Len(t, tx.Inputs, 1)
	require.Len(t, tx.Outputs, 2)
	assert.Equal(t, uint64(10), tx.Outputs[0].Satoshis)
	assert.Equal(t, []byte{0x52, 0x53}, tx.Outputs[1].LockingScript)
	assert.Equal(t, uint32(0xffffffff), tx.Inputs[0].Sequence)
}

func TestParseTruncated(t *testing.T) {
	raw := buildTx(Output{Satoshis: 10, LockingScript: []byte{0x51}})

	for _, cut := range []int{0, 3, 10, len(raw) - 1} {
		_, err := Parse(raw[:cut])
		assert.ErrorIs(t, err, ErrTruncated, "cut at %d", cut)
	}
}

func TestParseBEEFSingleTx(t *testing.T) {
	inner := buildTx(Output{Satoshis: 7, LockingScript: []byte{0x51}})

	var beef bytes.Buffer
	beef.Write([]byte{0x01, 0x00, 0xBE, 0xEF}) // BEEF version
	beef.WriteByte(0)                          // zero BUMPs
	beef.WriteByte(1)                          // one tx
	beef.Write(inner)
	beef.WriteByte(0) // no bump for this tx

	tx, err := Parse(beef.Bytes())
	require.NoError(t, err)
	require.Len(t, tx.Outputs, 1)
	assert.Equal(t, uint64(7), tx.Outputs[0].Satoshis)
}

func TestParseAtomicBEEF(t *testing.T) {
	inner := buildTx(Output{Satoshis: 9, LockingScript: []byte{0x51}})

	var beef bytes.Buffer
	beef.Write([]byte{0x01, 0x01, 0x01, 0x01}) // atomic prefix
	beef.Write(make([]byte, 32))               // subject txid
	beef.Write([]byte{0x01, 0x00, 0xBE, 0xEF})
	beef.WriteByte(0)
	beef.WriteByte(1)
	beef.Write(inner)
	beef.WriteByte(0)

	tx, err := Parse(beef.Bytes())
	require.NoError(t, err)
	require.Len(t, tx.Outputs, 1)
	assert.Equal(t, uint64(9), tx.Outputs[0].Satoshis)
}

func TestParseBEEFWithBumpsIsUncertain(t *testing.T) {
	var beef bytes.Buffer
	beef.Write([]byte{0x01, 0x00, 0xBE, 0xEF})
	beef.WriteByte(2) // two BUMPs, which we do not parse
	beef.Write([]byte{0xde, 0xad})

	_, err := Parse(beef.Bytes())
	assert.ErrorIs(t, err, ErrUncertainEnvelope)
}

func TestParseBEEFLastTxWins(t *testing.T) {
	first := buildTx(Output{Satoshis: 1, LockingScript: []byte{0x51}})
	second := buildTx(Output{Satoshis: 2, LockingScript: []byte{0x51}}, Output{Satoshis: 3, LockingScript: []byte{0x52}})

	var beef bytes.Buffer
	beef.Write([]byte{0x01, 0x00, 0xBE, 0xEF})
	beef.WriteByte(0)
	beef.WriteByte(2)
	beef.Write(first)
	beef.WriteByte(0)
	beef.Write(second)
	beef.WriteByte(0)

	tx, err := Parse(beef.Bytes())
	require.NoError(t, err)
	require.Len(t, tx.Outputs, 2)
	assert.Equal(t, uint64(3), tx.Outputs[1].Satoshis)
}

func TestVarintWidths(t *testing.T) {
	r := &reader{buf: []byte{0xfc}}
	v, err := r.readVarint()
	require.NoError(t, err)
	assert.Equal(t, uint64(0xfc), v)

	r = &reader{buf: []byte{0xfd, 0x01, 0x02}}
	v, err = r.readVarint()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0201), v)

	r = &reader{buf: []byte{0xfe, 0x01, 0x02, 0x03, 0x04}}
	v, err = r.readVarint()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x04030201), v)

	r = &reader{buf: []byte{0xff}}
	_, err = r.readVarint()
	assert.ErrorIs(t, err, ErrTruncated)
}
