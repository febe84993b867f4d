package chain

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/bridgepool/internal/sigverify"
)

func TestDepositPayload(t *testing.T) {
	d := Deposit{DestChain: 2, Nonce: 9, Amount: 150000, Asset: "BTC", Recipient: "bcrt1qrecipient"}

	payload, err := EncodeDeposit(d)
	if err != nil {
		t.Fatalf("EncodeDeposit() error = %v", err)
	}
	if !bytes.HasPrefix(payload, []byte("NBRG")) {
		t.Errorf("payload missing magic: %x", payload)
	}

	got, err := DecodeDeposit(payload)
	if err != nil {
		t.Fatalf("DecodeDeposit() error = %v", err)
	}
	if got != d {
		t.Errorf("DecodeDeposit() = %+v, want %+v", got, d)
	}
}

func TestDecodeDeposit_Invalid(t *testing.T) {
	valid, err := EncodeDeposit(Deposit{DestChain: 2, Nonce: 1, Amount: 1, Asset: "BTC", Recipient: "r"})
	if err != nil {
		t.Fatal(err)
	}
	completion, err := EncodeCompletion(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"wrong magic", append([]byte("XXXX"), valid[4:]...)},
		{"wrong version", append(append([]byte("NBRG"), 9), valid[5:]...)},
		{"completion kind", completion},
		{"truncated body", valid[:12]},
		{"truncated recipient", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte{}, valid...), 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeDeposit(tt.payload); err == nil {
				t.Error("DecodeDeposit() expected error")
			}
		})
	}
}

func TestEncodeDeposit_TooLarge(t *testing.T) {
	_, err := EncodeDeposit(Deposit{Asset: "BTC", Recipient: strings.Repeat("r", 70)})
	if err == nil {
		t.Error("expected payload over the OP_RETURN limit to be rejected")
	}
}

func TestCompletionPayload(t *testing.T) {
	digest := sigverify.Digest(sigverify.Message{SourceChain: 1, DestChain: 2, Asset: "BTC", Amount: 5, Recipient: "r", Nonce: 3})
	id := hex.EncodeToString(digest[:])

	payload, err := EncodeCompletion(id)
	if err != nil {
		t.Fatalf("EncodeCompletion() error = %v", err)
	}
	got, err := DecodeCompletion(payload)
	if err != nil {
		t.Fatalf("DecodeCompletion() error = %v", err)
	}
	if got != id {
		t.Errorf("DecodeCompletion() = %s, want %s", got, id)
	}

	if _, err := EncodeCompletion("not-hex"); err == nil {
		t.Error("expected invalid id to be rejected")
	}
}

func TestDepositsInBlock(t *testing.T) {
	deposit := Deposit{DestChain: 2, Nonce: 77, Amount: 5000, Asset: "BTC", Recipient: "bcrt1qdest"}
	payload, err := EncodeDeposit(deposit)
	if err != nil {
		t.Fatal(err)
	}
	depositScript, err := txscript.NullDataScript(payload)
	if err != nil {
		t.Fatal(err)
	}
	otherScript, err := txscript.NullDataScript([]byte("unrelated memo"))
	if err != nil {
		t.Fatal(err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(5000, []byte{txscript.OP_TRUE}))
	tx.AddTxOut(wire.NewTxOut(0, otherScript))
	tx.AddTxOut(wire.NewTxOut(0, depositScript))

	block := wire.NewMsgBlock(&wire.BlockHeader{})
	if err := block.AddTransaction(tx); err != nil {
		t.Fatal(err)
	}

	custody := []byte{txscript.OP_TRUE}
	if events := DepositsInBlock(1, nil, 120, block); len(events) != 0 {
		t.Fatalf("expected no deposits without a custody script, got %d", len(events))
	}
	events := DepositsInBlock(1, custody, 120, block)
	if len(events) != 1 {
		t.Fatalf("expected 1 deposit, got %d", len(events))
	}

	ev := events[0]
	want := sigverify.Message{SourceChain: 1, DestChain: 2, Asset: "BTC", Amount: 5000, Recipient: "bcrt1qdest", Nonce: 77}
	if ev.Message != want {
		t.Errorf("event message = %+v, want %+v", ev.Message, want)
	}
	if ev.TxRef != tx.TxHash().String() || ev.Block != 120 || ev.ChainID != 1 {
		t.Errorf("unexpected event metadata: %+v", ev)
	}
}

func depositOutput(t *testing.T, d Deposit) *wire.TxOut {
	t.Helper()
	payload, err := EncodeDeposit(d)
	if err != nil {
		t.Fatal(err)
	}
	script, err := txscript.NullDataScript(payload)
	if err != nil {
		t.Fatal(err)
	}
	return wire.NewTxOut(0, script)
}

func TestDepositsInTx_RequiresCustodyValue(t *testing.T) {
	custody := []byte{txscript.OP_TRUE}
	elsewhere := []byte{txscript.OP_1, txscript.OP_DROP, txscript.OP_TRUE}
	first := Deposit{DestChain: 2, Nonce: 1, Amount: 600, Asset: "BTC", Recipient: "r1"}
	second := Deposit{DestChain: 2, Nonce: 2, Amount: 400, Asset: "BTC", Recipient: "r2"}

	tests := []struct {
		name    string
		outputs []*wire.TxOut
		want    int
	}{
		{"payload only", []*wire.TxOut{depositOutput(t, Deposit{DestChain: 2, Nonce: 1, Amount: 1e15, Asset: "BTC", Recipient: "r"})}, 0},
		{"value paid elsewhere", []*wire.TxOut{wire.NewTxOut(600, elsewhere), depositOutput(t, first)}, 0},
		{"under locked", []*wire.TxOut{wire.NewTxOut(599, custody), depositOutput(t, first)}, 0},
		{"exactly locked", []*wire.TxOut{wire.NewTxOut(600, custody), depositOutput(t, first)}, 1},
		{"split lock", []*wire.TxOut{wire.NewTxOut(300, custody), wire.NewTxOut(300, custody), depositOutput(t, first)}, 1},
		{"one lock for two deposits", []*wire.TxOut{wire.NewTxOut(600, custody), depositOutput(t, first), depositOutput(t, second)}, 0},
		{"both deposits locked", []*wire.TxOut{wire.NewTxOut(1000, custody), depositOutput(t, first), depositOutput(t, second)}, 2},
		{"amount above int64", []*wire.TxOut{wire.NewTxOut(600, custody), depositOutput(t, Deposit{DestChain: 2, Nonce: 3, Amount: 1 << 63, Asset: "BTC", Recipient: "r"})}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := wire.NewMsgTx(wire.TxVersion)
			for _, out := range tt.outputs {
				tx.AddTxOut(out)
			}
			if got := DepositsInTx(1, custody, tx); len(got) != tt.want {
				t.Errorf("DepositsInTx() returned %d deposits, want %d", len(got), tt.want)
			}
		})
	}
}

func TestLockedValue(t *testing.T) {
	custody := []byte{txscript.OP_TRUE}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(250, custody))
	tx.AddTxOut(wire.NewTxOut(700, []byte{txscript.OP_FALSE}))
	tx.AddTxOut(wire.NewTxOut(50, custody))

	if got := LockedValue(custody, tx); got != 300 {
		t.Errorf("LockedValue() = %d, want 300", got)
	}
	if got := LockedValue(nil, tx); got != 0 {
		t.Errorf("LockedValue(nil) = %d, want 0", got)
	}
}

func TestNullDataPayload(t *testing.T) {
	script, err := txscript.NullDataScript([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		script []byte
		want   string
		ok     bool
	}{
		{"op_return", script, "hello", true},
		{"pay to anything", []byte{txscript.OP_TRUE}, "", false},
		{"bare op_return", []byte{txscript.OP_RETURN}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NullDataPayload(tt.script)
			if ok != tt.ok || string(got) != tt.want {
				t.Errorf("NullDataPayload() = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestParams(t *testing.T) {
	tests := map[string]string{
		"mainnet": "mainnet",
		"testnet": "testnet3",
		"signet":  "signet",
		"regtest": "regtest",
		"":        "regtest",
	}
	for network, want := range tests {
		if got := Params(network).Name; got != want {
			t.Errorf("Params(%q).Name = %s, want %s", network, got, want)
		}
	}
}
