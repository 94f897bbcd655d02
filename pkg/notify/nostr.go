package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/gorilla/websocket"
)

const nostrKindDM = 4

// NostrProvider delivers notifications as Nostr direct-message events,
// signed with the control plane's own key and relayed over plain
// websocket connections (no persistent relay subscription; publish-only).
type NostrProvider struct {
	privKey *secp256k1.PrivateKey
	pubKey  string // hex x-only
	relays  []string
}

// NewNostrProvider builds a NostrProvider from a hex-encoded secp256k1
// private key (32 bytes) and the relay URLs to publish to.
func NewNostrProvider(nsecHex string, relays []string) (*NostrProvider, error) {
	keyBytes, err := hex.DecodeString(nsecHex)
	if err != nil || len(keyBytes) != 32 {
		return nil, fmt.Errorf("nostr private key must be 32 hex-encoded bytes")
	}
	priv := secp256k1.PrivKeyFromBytes(keyBytes)
	pub := priv.PubKey().SerializeCompressed()[1:] // x-only, BIP340
	return &NostrProvider{
		privKey: priv,
		pubKey:  hex.EncodeToString(pub),
		relays:  relays,
	}, nil
}

func (p *NostrProvider) Name() string { return "nostr" }

// Send signs a kind-4 event addressed to recipient (a hex pubkey) via a
// "p" tag and publishes it to every configured relay. Unlike a real NIP-04
// DM, the body is not ECDH-encrypted: this control plane has no counterpart
// implementation to decrypt a properly shared-secret-encrypted payload, so
// the content is sent in the clear and recipients are expected to treat it
// as a service notification, not a private message.
func (p *NostrProvider) Send(ctx context.Context, recipient string, msg Message) error {
	content := msg.Subject
	if msg.Body != "" {
		content += "\n\n" + msg.Body
	}

	createdAt := time.Now().Unix()
	tags := [][]string{{"p", recipient}}

	serial, err := json.Marshal([]any{0, p.pubKey, createdAt, nostrKindDM, tags, content})
	if err != nil {
		return fmt.Errorf("serializing event: %w", err)
	}
	idSum := sha256.Sum256(serial)

	sig, err := schnorr.Sign(p.privKey, idSum[:])
	if err != nil {
		return fmt.Errorf("signing event: %w", err)
	}

	event := map[string]any{
		"id":         hex.EncodeToString(idSum[:]),
		"pubkey":     p.pubKey,
		"created_at": createdAt,
		"kind":       nostrKindDM,
		"tags":       tags,
		"content":    content,
		"sig":        hex.EncodeToString(sig.Serialize()),
	}
	payload, err := json.Marshal([]any{"EVENT", event})
	if err != nil {
		return fmt.Errorf("serializing publish frame: %w", err)
	}

	var lastErr error
	for _, relay := range p.relays {
		if err := publishTo(ctx, relay, payload); err != nil {
			lastErr = &TransientError{Op: "publish to " + relay, Err: err}
		}
	}
	return lastErr
}

func publishTo(ctx context.Context, relayURL string, payload []byte) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, relayURL, nil)
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}
