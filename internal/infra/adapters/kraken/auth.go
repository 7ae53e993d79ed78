package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Authenticator signs private REST requests and the private feed challenge.
type Authenticator interface {
	APIKey() string
	// Sign sets the auth headers of req. path is the signed endpoint path and postData
	// the url-encoded body or query.
	Sign(req *http.Request, path string, postData string) error
	SignChallenge(challenge string) (string, error)
}

// HMACAuthenticator implements the venue's HMAC-SHA512 scheme over a base64 secret.
type HMACAuthenticator struct {
	apiKey string
	secret string
	clock  func() time.Time

	mu        sync.Mutex
	lastNonce int64
}

// NewHMACAuthenticator builds an authenticator. clock defaults to time.Now.
func NewHMACAuthenticator(apiKey, secret string, clock func() time.Time) *HMACAuthenticator {
	if clock == nil {
		clock = time.Now
	}
	return &HMACAuthenticator{apiKey: apiKey, secret: secret, clock: clock}
}

// APIKey returns the public key.
func (a *HMACAuthenticator) APIKey() string {
	return a.apiKey
}

// Sign computes Authent = base64(HMAC-SHA512(secret, SHA256(postData + nonce + path))).
func (a *HMACAuthenticator) Sign(req *http.Request, path string, postData string) error {
	nonce := strconv.FormatInt(a.nonce(), 10)
	digest, err := a.digest(postData + nonce + path)
	if err != nil {
		return err
	}
	req.Header.Set("APIKey", a.apiKey)
	req.Header.Set("Nonce", nonce)
	req.Header.Set("Authent", digest)
	return nil
}

// SignChallenge signs the private feed challenge the same way, over the challenge alone.
func (a *HMACAuthenticator) SignChallenge(challenge string) (string, error) {
	return a.digest(challenge)
}

func (a *HMACAuthenticator) digest(message string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(a.secret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	sum := sha256.Sum256([]byte(message))
	mac := hmac.New(sha512.New, key)
	mac.Write(sum[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// nonce is strictly increasing even when the clock is not.
func (a *HMACAuthenticator) nonce() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.clock().UnixMilli()
	if n <= a.lastNonce {
		n = a.lastNonce + 1
	}
	a.lastNonce = n
	return n
}
