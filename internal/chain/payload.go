package chain

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/bridgepool/internal/sigverify"
)

// OP_RETURN payload layout:
//
//	magic "NBRG" | version | kind | body
//
// deposit body:    dest u32 | nonce u64 | amount u64 | asset len u8 | asset | recipient len u8 | recipient
// completion body: transfer id (32 bytes)
const (
	payloadVersion = 1

	kindDeposit    byte = 1
	kindCompletion byte = 2

	maxNullData = 80
)

var magic = []byte("NBRG")

// Deposit is the decoded body of a deposit output. The source chain is the
// chain the output was found on.
type Deposit struct {
	DestChain uint32
	Nonce     uint64
	Amount    uint64
	Asset     string
	Recipient string
}

// EncodeDeposit builds the OP_RETURN payload for d.
func EncodeDeposit(d Deposit) ([]byte, error) {
	if len(d.Asset) > 255 || len(d.Recipient) > 255 {
		return nil, fmt.Errorf("asset or recipient too long")
	}
	var buf bytes.Buffer
	buf.Write(magic)
	buf.WriteByte(payloadVersion)
	buf.WriteByte(kindDeposit)
	_ = binary.Write(&buf, binary.BigEndian, d.DestChain)
	_ = binary.Write(&buf, binary.BigEndian, d.Nonce)
	_ = binary.Write(&buf, binary.BigEndian, d.Amount)
	buf.WriteByte(byte(len(d.Asset)))
	buf.WriteString(d.Asset)
	buf.WriteByte(byte(len(d.Recipient)))
	buf.WriteString(d.Recipient)
	if buf.Len() > maxNullData {
		return nil, fmt.Errorf("deposit payload is %d bytes, limit %d", buf.Len(), maxNullData)
	}
	return buf.Bytes(), nil
}

// DecodeDeposit parses a deposit payload.
func DecodeDeposit(payload []byte) (Deposit, error) {
	var d Deposit
	body, err := body(payload, kindDeposit)
	if err != nil {
		return d, err
	}
	if len(body) < 4+8+8+1 {
		return d, fmt.Errorf("deposit payload truncated")
	}
	d.DestChain = binary.BigEndian.Uint32(body[0:4])
	d.Nonce = binary.BigEndian.Uint64(body[4:12])
	d.Amount = binary.BigEndian.Uint64(body[12:20])
	rest := body[20:]

	asset, rest, err := readString(rest)
	if err != nil {
		return d, fmt.Errorf("asset: %w", err)
	}
	recipient, rest, err := readString(rest)
	if err != nil {
		return d, fmt.Errorf("recipient: %w", err)
	}
	if len(rest) != 0 {
		return d, fmt.Errorf("%d trailing bytes in deposit payload", len(rest))
	}
	d.Asset, d.Recipient = asset, recipient
	return d, nil
}

// EncodeCompletion builds the OP_RETURN payload that marks a transfer as
// completed on the destination chain.
func EncodeCompletion(transferID string) ([]byte, error) {
	id, err := hex.DecodeString(transferID)
	if err != nil || len(id) != 32 {
		return nil, fmt.Errorf("transfer id must be 32 hex-encoded bytes")
	}
	out := append([]byte{}, magic...)
	out = append(out, payloadVersion, kindCompletion)
	return append(out, id...), nil
}

// DecodeCompletion returns the transfer id carried by a completion payload.
func DecodeCompletion(payload []byte) (string, error) {
	body, err := body(payload, kindCompletion)
	if err != nil {
		return "", err
	}
	if len(body) != 32 {
		return "", fmt.Errorf("completion payload has %d id bytes", len(body))
	}
	return hex.EncodeToString(body), nil
}

func body(payload []byte, kind byte) ([]byte, error) {
	if len(payload) < len(magic)+2 || !bytes.Equal(payload[:len(magic)], magic) {
		return nil, fmt.Errorf("not a bridge payload")
	}
	if v := payload[len(magic)]; v != payloadVersion {
		return nil, fmt.Errorf("unsupported payload version %d", v)
	}
	if k := payload[len(magic)+1]; k != kind {
		return nil, fmt.Errorf("payload kind %d, want %d", k, kind)
	}
	return payload[len(magic)+2:], nil
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 1 {
		return "", nil, fmt.Errorf("missing length")
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", nil, fmt.Errorf("truncated")
	}
	return string(b[1 : 1+n]), b[1+n:], nil
}

// NullDataPayload extracts the pushed bytes of an OP_RETURN script.
func NullDataPayload(pkScript []byte) ([]byte, bool) {
	if txscript.GetScriptClass(pkScript) != txscript.NullDataTy {
		return nil, false
	}
	tok := txscript.MakeScriptTokenizer(0, pkScript)
	if !tok.Next() || tok.Opcode() != txscript.OP_RETURN {
		return nil, false
	}
	var data []byte
	for tok.Next() {
		data = append(data, tok.Data()...)
	}
	if tok.Err() != nil {
		return nil, false
	}
	return data, len(data) > 0
}

// LockedValue sums the outputs of tx paying custody. An empty custody
// script locks nothing.
func LockedValue(custody []byte, tx *wire.MsgTx) uint64 {
	if len(custody) == 0 {
		return 0
	}
	var locked uint64
	for _, out := range tx.TxOut {
		if out.Value <= 0 || !bytes.Equal(out.PkScript, custody) {
			continue
		}
		sum := locked + uint64(out.Value)
		if sum < locked {
			return math.MaxUint64
		}
		locked = sum
	}
	return locked
}

// DepositsInTx returns the deposits carried by tx's OP_RETURN outputs.
// Outputs that are not bridge payloads are skipped. The deposits are only
// returned when tx locks at least their combined amount to custody and no
// amount exceeds what a destination output can carry.
func DepositsInTx(chainID uint32, custody []byte, tx *wire.MsgTx) []sigverify.Message {
	var (
		msgs    []sigverify.Message
		claimed uint64
	)
	for _, out := range tx.TxOut {
		payload, ok := NullDataPayload(out.PkScript)
		if !ok {
			continue
		}
		d, err := DecodeDeposit(payload)
		if err != nil || d.Amount > math.MaxInt64 {
			continue
		}
		if claimed+d.Amount < claimed {
			return nil
		}
		claimed += d.Amount
		msgs = append(msgs, sigverify.Message{
			SourceChain: chainID,
			DestChain:   d.DestChain,
			Asset:       d.Asset,
			Amount:      d.Amount,
			Recipient:   d.Recipient,
			Nonce:       d.Nonce,
		})
	}
	if len(msgs) == 0 || LockedValue(custody, tx) < claimed {
		return nil
	}
	return msgs
}

// DepositsInBlock returns every well-formed, custody-backed deposit in block.
func DepositsInBlock(chainID uint32, custody []byte, height uint64, block *wire.MsgBlock) []Event {
	var events []Event
	for _, tx := range block.Transactions {
		msgs := DepositsInTx(chainID, custody, tx)
		if len(msgs) == 0 {
			continue
		}
		ref := tx.TxHash().String()
		for _, m := range msgs {
			events = append(events, Event{ChainID: chainID, TxRef: ref, Block: height, Message: m})
		}
	}
	return events
}
