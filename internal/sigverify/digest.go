// Package sigverify builds canonical transfer digests and checks validator
// signatures over them.
package sigverify

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// domainTag separates transfer digests from any other message a validator
// key might sign.
const domainTag = "bridgepool/transfer/v1"

// Message is the set of transfer fields covered by a validator signature.
type Message struct {
	SourceChain uint32
	DestChain   uint32
	Asset       string
	Amount      uint64
	Recipient   string
	Nonce       uint64
}

// Encode returns the canonical byte encoding of m: fixed-width big-endian
// integers and uint32 length-prefixed variable fields, in declaration order.
func (m Message) Encode() []byte {
	var buf bytes.Buffer
	buf.Grow(len(domainTag) + 4*5 + 8*2 + len(m.Asset) + len(m.Recipient))

	writeBytes(&buf, []byte(domainTag))
	writeUint32(&buf, m.SourceChain)
	writeUint32(&buf, m.DestChain)
	writeBytes(&buf, []byte(m.Asset))
	writeUint64(&buf, m.Amount)
	writeBytes(&buf, []byte(m.Recipient))
	writeUint64(&buf, m.Nonce)

	return buf.Bytes()
}

// Digest is the SHA-256 of the canonical encoding.
func Digest(m Message) chainhash.Hash {
	return chainhash.HashH(m.Encode())
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, p []byte) {
	writeUint32(buf, uint32(len(p)))
	buf.Write(p)
}
