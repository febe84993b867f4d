package sigverify

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, seed byte) *btcec.PrivateKey {
	t.Helper()
	raw := bytes.Repeat([]byte{seed}, 32)
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key
}

func testMessage() Message {
	return Message{
		SourceChain: 1,
		DestChain:   2,
		Asset:       "BTC",
		Amount:      50_000,
		Recipient:   "bcrt1qrecipient",
		Nonce:       5,
	}
}

func TestEncodeLayout(t *testing.T) {
	require := require.New(t)

	m := Message{SourceChain: 1, DestChain: 2, Asset: "A", Amount: 3, Recipient: "R", Nonce: 4}
	enc := m.Encode()

	want := "00000016" + hex.EncodeToString([]byte(domainTag)) +
		"00000001" + "00000002" +
		"00000001" + "41" +
		"0000000000000003" +
		"00000001" + "52" +
		"0000000000000004"
	require.Equal(want, hex.EncodeToString(enc))
}

func TestDigestCoversEveryField(t *testing.T) {
	base := testMessage()
	baseDigest := Digest(base)

	mutations := map[string]func(*Message){
		"source":    func(m *Message) { m.SourceChain++ },
		"dest":      func(m *Message) { m.DestChain++ },
		"asset":     func(m *Message) { m.Asset = "ETH" },
		"amount":    func(m *Message) { m.Amount++ },
		"recipient": func(m *Message) { m.Recipient += "x" },
		"nonce":     func(m *Message) { m.Nonce++ },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			m := base
			mutate(&m)
			require.NotEqual(t, baseDigest, Digest(m))
		})
	}
}

func TestDigestLengthPrefixPreventsShifting(t *testing.T) {
	a := testMessage()
	a.Asset, a.Recipient = "AB", "C"
	b := testMessage()
	b.Asset, b.Recipient = "A", "BC"
	require.NotEqual(t, Digest(a), Digest(b))
}

func TestDigestDeterministic(t *testing.T) {
	require.Equal(t, Digest(testMessage()), Digest(testMessage()))
}

func TestVerify(t *testing.T) {
	require := require.New(t)

	key := testKey(t, 1)
	other := testKey(t, 2)
	identity := Identity(key.PubKey())
	digest := Digest(testMessage())
	sig := Sign(key, digest)

	v := NewVerifier(8)
	require.True(v.Verify(digest, sig, identity))
	require.True(v.Verify(digest, sig, "  "+hex.EncodeToString(key.PubKey().SerializeCompressed())+" "), "identity normalization")

	otherDigest := Digest(Message{SourceChain: 9})
	require.False(v.Verify(otherDigest, sig, identity), "wrong digest")
	require.False(v.Verify(digest, sig, Identity(other.PubKey())), "wrong identity")
	require.False(v.Verify(digest, Sign(other, digest), identity), "signed by another key")
}

func TestVerifyMalformedInputs(t *testing.T) {
	key := testKey(t, 3)
	identity := Identity(key.PubKey())
	digest := Digest(testMessage())
	sig := Sign(key, digest)
	v := NewVerifier(0)

	tests := []struct {
		name     string
		sig      []byte
		identity string
	}{
		{"empty signature", nil, identity},
		{"truncated signature", sig[:len(sig)/2], identity},
		{"garbage signature", []byte{0x30, 0x01, 0xff}, identity},
		{"non hex identity", sig, "zz"},
		{"uncompressed identity", sig, hex.EncodeToString(key.PubKey().SerializeUncompressed())},
		{"empty identity", sig, ""},
		{"off curve identity", sig, "02" + hex.EncodeToString(bytes.Repeat([]byte{0xff}, 32))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotPanics(t, func() {
				require.False(t, v.Verify(digest, tt.sig, tt.identity))
			})
		})
	}
}

func TestParsePrivateKey(t *testing.T) {
	require := require.New(t)

	key := testKey(t, 7)
	parsed, err := ParsePrivateKey(hex.EncodeToString(key.Serialize()))
	require.NoError(err)
	require.Equal(Identity(key.PubKey()), Identity(parsed.PubKey()))

	_, err = ParsePrivateKey("abcd")
	require.Error(err)
	_, err = ParsePrivateKey("not-hex")
	require.Error(err)
}
