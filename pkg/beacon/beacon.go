package beacon

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Tag marks ClawSats beacon outputs on chain.
const Tag = "CLAWSATS_V1"

// maxPayloadBytes caps tag plus payload so beacons stay within relay-safe
// OP_RETURN sizes.
const maxPayloadBytes = 220

// Script opcodes used by the beacon format.
const (
	opFalse     = 0x00
	opReturn    = 0x6a
	opPushdata1 = 0x4c
	opPushdata2 = 0x4d
)

// Beacon is the on-chain presence record. Field order is part of the wire
// format: encoding follows struct order, not lexicographic order.
type Beacon struct {
	Version      int      `json:"v"`
	ClawID       string   `json:"id"`
	Endpoint     string   `json:"ep"`
	Chain        string   `json:"ch"`
	Capabilities []string `json:"cap"`
	Timestamp    int64    `json:"ts"`
	Signature    string   `json:"sig"`
}

// Encode renders the beacon payload and checks the size budget.
func (b Beacon) Encode() ([]byte, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode beacon: %w", err)
	}
	if len(Tag)+len(payload) > maxPayloadBytes {
		return nil, fmt.Errorf("beacon payload %d bytes exceeds %d byte budget", len(Tag)+len(payload), maxPayloadBytes)
	}
	return payload, nil
}

// Script builds the locking script OP_FALSE OP_RETURN <tag> <payload> for an
// arbitrary tagged payload.
func Script(tag string, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(opFalse)
	buf.WriteByte(opReturn)
	if err := writePush(&buf, []byte(tag)); err != nil {
		return nil, err
	}
	if err := writePush(&buf, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AnnouncementScript builds the full beacon locking script.
func AnnouncementScript(b Beacon) ([]byte, error) {
	payload, err := b.Encode()
	if err != nil {
		return nil, err
	}
	return Script(Tag, payload)
}

// Parse extracts a beacon from a locking script, or fails if the script is
// not a tagged beacon output.
func Parse(script []byte) (*Beacon, error) {
	pushes, err := returnPushes(script)
	if err != nil {
		return nil, err
	}
	if len(pushes) < 2 || string(pushes[0]) != Tag {
		return nil, fmt.Errorf("script is not a %s beacon", Tag)
	}
	var b Beacon
	if err := json.Unmarshal(pushes[1], &b); err != nil {
		return nil, fmt.Errorf("beacon payload does not parse: %w", err)
	}
	return &b, nil
}

// writePush emits one pushdata element: direct push up to 75 bytes,
// PUSHDATA1 up to 255, PUSHDATA2 up to 65535, fail beyond.
func writePush(buf *bytes.Buffer, data []byte) error {
	n := len(data)
	switch {
	case n <= 75:
		buf.WriteByte(byte(n))
	case n <= 255:
		buf.WriteByte(opPushdata1)
		buf.WriteByte(byte(n))
	case n <= 65535:
		buf.WriteByte(opPushdata2)
		var lenBytes [2]byte
		binary.LittleEndian.PutUint16(lenBytes[:], uint16(n))
		buf.Write(lenBytes[:])
	default:
		return fmt.Errorf("push of %d bytes exceeds format limit", n)
	}
	buf.Write(data)
	return nil
}

// returnPushes walks an OP_FALSE OP_RETURN script and collects its pushes.
func returnPushes(script []byte) ([][]byte, error) {
	if len(script) < 2 || script[0] != opFalse || script[1] != opReturn {
		return nil, fmt.Errorf("script does not start with OP_FALSE OP_RETURN")
	}
	var pushes [][]byte
	i := 2
	for i < len(script) {
		op := script[i]
		i++
		var n int
		switch {
		case op <= 75:
			n = int(op)
		case op == opPushdata1:
			if i >= len(script) {
				return nil, fmt.Errorf("truncated PUSHDATA1")
			}
			n = int(script[i])
			i++
		case op == opPushdata2:
			if i+1 >= len(script) {
				return nil, fmt.Errorf("truncated PUSHDATA2")
			}
			n = int(binary.LittleEndian.Uint16(script[i : i+2]))
			i += 2
		default:
			return nil, fmt.Errorf("unexpected opcode 0x%02x in data script", op)
		}
		if i+n > len(script) {
			return nil, fmt.Errorf("push overruns script")
		}
		pushes = append(pushes, script[i:i+n])
		i += n
	}
	return pushes, nil
}
