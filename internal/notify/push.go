package notify

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/quotawatch/quotawatch/internal/store"
)

// PushSink sends Web Push notifications (RFC 8291 encryption, RFC 8292
// VAPID auth) to every subscription registered in the store. Browser
// dashboards subscribe through the HTTP API.
type PushSink struct {
	vapidPrivate  *ecdsa.PrivateKey
	vapidPublic   []byte // uncompressed P-256 point
	subscriptions func() ([]store.PushSubscription, error)
	client        *http.Client
}

// GenerateVAPIDKeys creates a P-256 key pair, base64url-encoded: the public
// key as an uncompressed point, the private key as the raw 32-byte scalar.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("notify: generate vapid keys: %w", err)
	}

	pubBytes := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	privBytes := priv.D.Bytes()
	if len(privBytes) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(privBytes):], privBytes)
		privBytes = padded
	}
	return base64.RawURLEncoding.EncodeToString(pubBytes),
		base64.RawURLEncoding.EncodeToString(privBytes), nil
}

// NewPushSink creates a push sink from base64url VAPID keys and a
// subscription source.
func NewPushSink(publicKeyB64, privateKeyB64 string, subscriptions func() ([]store.PushSubscription, error)) (*PushSink, error) {
	pubBytes, err := base64.RawURLEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("notify: invalid vapid public key: %w", err)
	}
	privBytes, err := base64.RawURLEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("notify: invalid vapid private key: %w", err)
	}

	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, pubBytes)
	if x == nil {
		return nil, fmt.Errorf("notify: invalid vapid public key point")
	}

	return &PushSink{
		vapidPrivate: &ecdsa.PrivateKey{
			PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
			D:         new(big.Int).SetBytes(privBytes),
		},
		vapidPublic:   pubBytes,
		subscriptions: subscriptions,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: &http.Transport{MaxIdleConns: 1, MaxIdleConnsPerHost: 1},
		},
	}, nil
}

// Notify implements Sink: encrypt the payload once per subscription and POST
// it to each push endpoint. One failing endpoint does not block the rest.
func (p *PushSink) Notify(title, body, action string, data map[string]any) error {
	subs, err := p.subscriptions()
	if err != nil {
		return fmt.Errorf("notify: load push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	message := map[string]any{"title": title, "body": body, "action": action}
	if len(data) > 0 {
		message["data"] = data
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("notify: marshal push payload: %w", err)
	}

	var firstErr error
	for _, sub := range subs {
		if err := p.send(sub, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *PushSink) send(sub store.PushSubscription, payload []byte) error {
	clientPub, err := base64.RawURLEncoding.DecodeString(sub.P256dh)
	if err != nil {
		return fmt.Errorf("notify: decode p256dh: %w", err)
	}
	authSecret, err := base64.RawURLEncoding.DecodeString(sub.Auth)
	if err != nil {
		return fmt.Errorf("notify: decode auth secret: %w", err)
	}

	encrypted, err := encryptWebPush(payload, clientPub, authSecret)
	if err != nil {
		return fmt.Errorf("notify: encrypt push payload: %w", err)
	}

	token, err := vapidToken(sub.Endpoint, p.vapidPrivate)
	if err != nil {
		return fmt.Errorf("notify: vapid token: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, sub.Endpoint, bytes.NewReader(encrypted))
	if err != nil {
		return fmt.Errorf("notify: create push request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("vapid t=%s, k=%s",
		token, base64.RawURLEncoding.EncodeToString(p.vapidPublic)))
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("TTL", "86400")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: push POST: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notify: push service returned %d for %s", resp.StatusCode, sub.Endpoint)
	}
	return nil
}

// encryptWebPush implements RFC 8291 message encryption with the aes128gcm
// content coding.
func encryptWebPush(payload, clientPub, authSecret []byte) ([]byte, error) {
	ephPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	ephPub := ephPriv.PublicKey().Bytes()

	peer, err := ecdh.P256().NewPublicKey(clientPub)
	if err != nil {
		return nil, fmt.Errorf("client public key: %w", err)
	}
	sharedSecret, err := ephPriv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	// IKM = HKDF(auth_secret, shared_secret, "WebPush: info" || 0x00 ||
	// client_pub || server_pub), both keys length-prefixed.
	var ikmInfo bytes.Buffer
	ikmInfo.WriteString("WebPush: info")
	ikmInfo.WriteByte(0x00)
	binary.Write(&ikmInfo, binary.BigEndian, uint16(len(clientPub)))
	ikmInfo.Write(clientPub)
	binary.Write(&ikmInfo, binary.BigEndian, uint16(len(ephPub)))
	ikmInfo.Write(ephPub)

	ikm, err := deriveHKDF(authSecret, sharedSecret, ikmInfo.Bytes(), 32)
	if err != nil {
		return nil, fmt.Errorf("derive ikm: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}

	cek, err := deriveHKDF(salt, ikm, []byte("Content-Encoding: aes128gcm\x00\x01"), 16)
	if err != nil {
		return nil, fmt.Errorf("derive cek: %w", err)
	}
	nonce, err := deriveHKDF(salt, ikm, []byte("Content-Encoding: nonce\x00\x01"), 12)
	if err != nil {
		return nil, fmt.Errorf("derive nonce: %w", err)
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	// Last-record padding delimiter per RFC 8188.
	ciphertext := gcm.Seal(nil, nonce, append(payload, 0x02), nil)

	// aes128gcm header: salt || record size || keyid length || keyid.
	recordSize := uint32(len(ciphertext) + 16 + 4 + 1 + len(ephPub))
	var out bytes.Buffer
	out.Write(salt)
	binary.Write(&out, binary.BigEndian, recordSize)
	out.WriteByte(byte(len(ephPub)))
	out.Write(ephPub)
	out.Write(ciphertext)
	return out.Bytes(), nil
}

func deriveHKDF(salt, ikm, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// vapidToken builds the ES256-signed VAPID JWT for a push endpoint origin.
func vapidToken(endpoint string, key *ecdsa.PrivateKey) (string, error) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"typ":"JWT","alg":"ES256"}`))
	claims := fmt.Sprintf(`{"aud":"%s","exp":%d,"sub":"mailto:quotawatch@localhost"}`,
		endpointOrigin(endpoint), time.Now().Add(24*time.Hour).Unix())
	signingInput := header + "." + base64.RawURLEncoding.EncodeToString([]byte(claims))

	hash := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, key, hash[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	sig := make([]byte, 64)
	rBytes, sBytes := r.Bytes(), s.Bytes()
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):], sBytes)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// endpointOrigin returns scheme://host from a push endpoint URL.
func endpointOrigin(endpoint string) string {
	slashes := 0
	for i, c := range endpoint {
		if c == '/' {
			slashes++
			if slashes == 3 {
				return endpoint[:i]
			}
		}
	}
	return endpoint
}
