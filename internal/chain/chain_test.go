package chain

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func TestCoinsRegistered(t *testing.T) {
	tests := []struct {
		symbol  string
		network Network
	}{
		{"BTC", Mainnet},
		{"BTC", Testnet},
		{"BTC", Simnet},
		{"LTC", Mainnet},
		{"KMD", Mainnet},
		{"DOC", Testnet},
		{"MARTY", Simnet},
		{"SOLO", Simnet},
		{"ETH", Mainnet},
		{"BNB", Testnet},
	}

	for _, tt := range tests {
		t.Run(tt.symbol+"/"+string(tt.network), func(t *testing.T) {
			params, ok := Get(tt.symbol, tt.network)
			if !ok {
				t.Fatalf("%s on %s should be registered", tt.symbol, tt.network)
			}
			if params.Symbol != tt.symbol {
				t.Errorf("Symbol = %s, want %s", params.Symbol, tt.symbol)
			}
			if len(params.SecretHashAlgos) == 0 {
				t.Error("coin must support at least one secret hash algorithm")
			}
			if params.Type == ChainTypeBitcoin && params.Net == nil {
				t.Error("bitcoin-family coin must carry address params")
			}
		})
	}

	if _, ok := Get("DOC", Mainnet); ok {
		t.Error("DOC must not be registered on mainnet")
	}
	if IsSupported("XYZ") {
		t.Error("XYZ should not be supported")
	}
}

func TestList(t *testing.T) {
	got := List(Simnet)
	want := []string{"BTC", "DOC", "MARTY", "SOLO"}
	if len(got) != len(want) {
		t.Fatalf("List(Simnet) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List(Simnet)[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSecretHashAlgoFor(t *testing.T) {
	doc, _ := Get("DOC", Testnet)
	kmd, _ := Get("KMD", Mainnet)
	btc, _ := Get("BTC", Mainnet)
	eth, _ := Get("ETH", Mainnet)

	tests := []struct {
		name    string
		maker   *Params
		taker   *Params
		want    SecretHashAlgo
		wantErr error
	}{
		{"utxo pair prefers dhash160", btc, doc, DHASH160, nil},
		{"utxo to evm falls back to sha256", btc, eth, SHA256, nil},
		{"evm to utxo", eth, btc, SHA256, nil},
		{"kmd cannot pair with evm", kmd, eth, 0, ErrNoCommonHashAlgo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SecretHashAlgoFor(tt.maker, tt.taker)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("SecretHashAlgoFor() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SecretHashAlgoFor() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSecretHashAlgoHash(t *testing.T) {
	secret := bytes.Repeat([]byte{0x01}, 32)

	sha := SHA256.Hash(secret)
	if len(sha) != SHA256.HashLen() {
		t.Errorf("SHA256 hash length = %d, want %d", len(sha), SHA256.HashLen())
	}
	if hex.EncodeToString(sha) != "72cd6e8422c407fb6d098690f1130b7ded7ec2f7f5e1d30bd9d521f015363793" {
		t.Errorf("SHA256 hash = %x", sha)
	}

	d := DHASH160.Hash(secret)
	if len(d) != DHASH160.HashLen() {
		t.Errorf("DHASH160 hash length = %d, want %d", len(d), DHASH160.HashLen())
	}

	if SecretHashAlgo(0).Valid() || SecretHashAlgo(3).Valid() {
		t.Error("unknown algorithms must not be valid")
	}
	if DHASH160.String() != "DHASH160" || SHA256.String() != "SHA256" {
		t.Error("unexpected algorithm names")
	}
}
