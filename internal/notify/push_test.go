package notify

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quotawatch/quotawatch/internal/store"
)

func staticSubscriptions(subs ...store.PushSubscription) func() ([]store.PushSubscription, error) {
	return func() ([]store.PushSubscription, error) { return subs, nil }
}

func TestGenerateVAPIDKeysRoundTrip(t *testing.T) {
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("GenerateVAPIDKeys failed: %v", err)
	}
	if pub == "" || priv == "" {
		t.Fatal("Empty key material")
	}

	pubBytes, err := base64.RawURLEncoding.DecodeString(pub)
	if err != nil {
		t.Fatalf("Public key not base64url: %v", err)
	}
	// Uncompressed P-256 point.
	if len(pubBytes) != 65 || pubBytes[0] != 0x04 {
		t.Errorf("Public key bytes = %d, first = %#x", len(pubBytes), pubBytes[0])
	}

	if _, err := NewPushSink(pub, priv, staticSubscriptions()); err != nil {
		t.Errorf("NewPushSink rejected generated keys: %v", err)
	}
}

func TestNewPushSink_BadKeys(t *testing.T) {
	if _, err := NewPushSink("!!!", "also-bad", staticSubscriptions()); err == nil {
		t.Error("Expected error for non-base64url keys")
	}
	// Valid base64 that is not a curve point.
	notAPoint := base64.RawURLEncoding.EncodeToString(make([]byte, 65))
	priv := base64.RawURLEncoding.EncodeToString(make([]byte, 32))
	if _, err := NewPushSink(notAPoint, priv, staticSubscriptions()); err == nil {
		t.Error("Expected error for invalid public key point")
	}
}

func TestPushSink_NoSubscriptions(t *testing.T) {
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("GenerateVAPIDKeys failed: %v", err)
	}
	sink, err := NewPushSink(pub, priv, staticSubscriptions())
	if err != nil {
		t.Fatalf("NewPushSink failed: %v", err)
	}
	if err := sink.Notify("title", "body", "test", nil); err != nil {
		t.Errorf("Notify with no subscriptions = %v, want nil", err)
	}
}

func TestPushSink_DeliversEncryptedPayload(t *testing.T) {
	var gotHeaders http.Header
	var gotBodyLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		gotBodyLen = len(body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("GenerateVAPIDKeys failed: %v", err)
	}

	// Browser-side subscription keys.
	clientKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Client key generation failed: %v", err)
	}
	authSecret := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, authSecret); err != nil {
		t.Fatalf("Auth secret: %v", err)
	}
	sub := store.PushSubscription{
		Endpoint: srv.URL + "/push/abc",
		P256dh:   base64.RawURLEncoding.EncodeToString(clientKey.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(authSecret),
	}

	sink, err := NewPushSink(pub, priv, staticSubscriptions(sub))
	if err != nil {
		t.Fatalf("NewPushSink failed: %v", err)
	}
	if err := sink.Notify("Quota alert", "Claude at 95%", "threshold",
		map[string]any{"provider_id": "anthropic"}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	if gotHeaders.Get("Content-Encoding") != "aes128gcm" {
		t.Errorf("Content-Encoding = %q", gotHeaders.Get("Content-Encoding"))
	}
	if gotHeaders.Get("TTL") != "86400" {
		t.Errorf("TTL = %q", gotHeaders.Get("TTL"))
	}
	auth := gotHeaders.Get("Authorization")
	if !strings.HasPrefix(auth, "vapid t=") || !strings.Contains(auth, "k="+pub) {
		t.Errorf("Authorization = %q", auth)
	}
	// Header (16 salt + 4 record size + 1 keyid len + 65 keyid) plus
	// ciphertext must be present.
	if gotBodyLen <= 86 {
		t.Errorf("Encrypted body length = %d", gotBodyLen)
	}
}

func TestPushSink_EndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	pub, priv, _ := GenerateVAPIDKeys()
	clientKey, _ := ecdh.P256().GenerateKey(rand.Reader)
	sub := store.PushSubscription{
		Endpoint: srv.URL,
		P256dh:   base64.RawURLEncoding.EncodeToString(clientKey.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(make([]byte, 16)),
	}
	sink, err := NewPushSink(pub, priv, staticSubscriptions(sub))
	if err != nil {
		t.Fatalf("NewPushSink failed: %v", err)
	}
	if err := sink.Notify("t", "b", "test", nil); err == nil {
		t.Error("Expected error when the push service rejects the message")
	}
}

func TestEndpointOrigin(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://push.example.com/send/abc123", "https://push.example.com"},
		{"https://push.example.com", "https://push.example.com"},
	}
	for _, tc := range cases {
		if got := endpointOrigin(tc.in); got != tc.want {
			t.Errorf("endpointOrigin(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
