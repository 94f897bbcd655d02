package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// nip98MaxSkew bounds how far a request's "created_at" tag may drift from
// wall-clock time before the event is rejected as stale or replayed.
const nip98MaxSkew = 60 * time.Second

// nostrEvent is the subset of the NIP-01 event envelope NIP-98 relies on.
type nostrEvent struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

const nip98Kind = 27235

// VerifyNIP98 validates the base64-decoded JSON event carried in an
// "Authorization: Nostr <base64>" header against the request it
// accompanies: kind must be 27235, the "u" tag must equal fullURL, the
// "method" tag must equal httpMethod, created_at must be within
// nip98MaxSkew of now, and the event signature must verify against its id.
//
// It returns the event's pubkey (hex, exactly as carried in the event) on
// success.
func VerifyNIP98(eventJSON []byte, fullURL, httpMethod string, now time.Time) (string, error) {
	var evt nostrEvent
	if err := json.Unmarshal(eventJSON, &evt); err != nil {
		return "", fmt.Errorf("decoding nostr event: %w", err)
	}

	if evt.Kind != nip98Kind {
		return "", errors.New("unexpected event kind")
	}

	skew := now.Sub(time.Unix(evt.CreatedAt, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > nip98MaxSkew {
		return "", errors.New("event created_at outside allowed skew")
	}

	var gotURL, gotMethod string
	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "u":
			gotURL = tag[1]
		case "method":
			gotMethod = tag[1]
		}
	}
	if gotURL != fullURL {
		return "", fmt.Errorf("url tag %q does not match request", gotURL)
	}
	if gotMethod != httpMethod {
		return "", fmt.Errorf("method tag %q does not match request", gotMethod)
	}

	if err := verifyEventIDAndSig(&evt); err != nil {
		return "", err
	}

	return evt.PubKey, nil
}

// verifyEventIDAndSig recomputes the NIP-01 event id (sha256 of the
// canonical serialization array) and checks it against evt.ID, then
// verifies evt.Sig as a BIP-340 Schnorr signature over that id using
// evt.PubKey as the 32-byte x-only public key.
func verifyEventIDAndSig(evt *nostrEvent) error {
	serial, err := json.Marshal([]any{0, evt.PubKey, evt.CreatedAt, evt.Kind, evt.Tags, evt.Content})
	if err != nil {
		return fmt.Errorf("serializing event for id check: %w", err)
	}
	sum := sha256.Sum256(serial)
	gotID := hex.EncodeToString(sum[:])
	if gotID != evt.ID {
		return errors.New("event id does not match computed hash")
	}

	pubBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil || len(pubBytes) != 32 {
		return errors.New("invalid pubkey encoding")
	}
	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil || len(sigBytes) != 64 {
		return errors.New("invalid signature encoding")
	}

	pubKey, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("parsing schnorr pubkey: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("parsing schnorr signature: %w", err)
	}

	if !sig.Verify(sum[:], pubKey) {
		return errors.New("signature verification failed")
	}

	return nil
}
