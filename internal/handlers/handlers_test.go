package handlers

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceplane/backend/internal/auth"
	"github.com/voiceplane/backend/internal/ledger"
	"github.com/voiceplane/backend/internal/middleware"
	"github.com/voiceplane/backend/internal/store"
)

type testEnv struct {
	router   *mux.Router
	sessions *auth.Sessions
	credits  *ledger.MemoryLedger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sessions := auth.NewSessions("test-secret")
	nonces := auth.NewNonceManager(store.NewMemoryKV())
	credits := ledger.NewMemoryLedger()

	router := mux.NewRouter()
	router.HandleFunc("/auth/nonce", HandleNonceRequest(nonces)).Methods("POST")
	router.HandleFunc("/auth/verify", HandleVerify(nonces, sessions)).Methods("POST")

	creditsRouter := router.PathPrefix("/credits").Subrouter()
	creditsRouter.Use(middleware.Session(sessions))
	creditsRouter.HandleFunc("/balance", HandleBalance(credits)).Methods("GET")
	creditsRouter.HandleFunc("/topup", HandleTopup(credits)).Methods("POST")

	return &testEnv{router: router, sessions: sessions, credits: credits}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func personalSign(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	sig, err := crypto.Sign(crypto.Keccak256([]byte(prefixed)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func login(t *testing.T, e *testEnv, key *ecdsa.PrivateKey) (wallet, token string) {
	t.Helper()
	wallet = strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	rec := e.do(t, "POST", "/auth/nonce", map[string]string{"wallet": wallet}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	nonceBody := decodeBody(t, rec)

	rec = e.do(t, "POST", "/auth/verify", map[string]string{
		"wallet":    wallet,
		"nonce":     nonceBody["nonce"].(string),
		"signature": personalSign(t, key, nonceBody["message"].(string)),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return wallet, decodeBody(t, rec)["session_token"].(string)
}

func TestLoginFlow(t *testing.T) {
	e := newTestEnv(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	wallet, token := login(t, e, key)
	assert.NotEmpty(t, token)

	got, err := e.sessions.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, wallet, got)
}

func TestVerifyRejectsForgedSignature(t *testing.T) {
	e := newTestEnv(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallet := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	rec := e.do(t, "POST", "/auth/nonce", map[string]string{"wallet": wallet}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	nonceBody := decodeBody(t, rec)

	rec = e.do(t, "POST", "/auth/verify", map[string]string{
		"wallet":    wallet,
		"nonce":     nonceBody["nonce"].(string),
		"signature": personalSign(t, otherKey, nonceBody["message"].(string)),
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_signature", decodeBody(t, rec)["error"])
}

func TestNonceIsSingleUse(t *testing.T) {
	e := newTestEnv(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallet := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	rec := e.do(t, "POST", "/auth/nonce", map[string]string{"wallet": wallet}, nil)
	nonceBody := decodeBody(t, rec)
	verify := map[string]string{
		"wallet":    wallet,
		"nonce":     nonceBody["nonce"].(string),
		"signature": personalSign(t, key, nonceBody["message"].(string)),
	}

	rec = e.do(t, "POST", "/auth/verify", verify, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "POST", "/auth/verify", verify, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	// The consumed nonce is indistinguishable from an expired one.
	assert.Equal(t, "nonce_invalid", decodeBody(t, rec)["error"])
}

func TestCreditsRequireSession(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "GET", "/credits/balance", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, "GET", "/credits/balance", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTopupAndBalance(t *testing.T) {
	e := newTestEnv(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, token := login(t, e, key)
	authz := map[string]string{"Authorization": "Bearer " + token}

	rec := e.do(t, "POST", "/credits/topup", map[string]interface{}{
		"seconds": 300, "source_id": "purchase-1",
	}, authz)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(300), decodeBody(t, rec)["remaining"])

	rec = e.do(t, "GET", "/credits/balance", nil, authz)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(300), body["remaining"])
	assert.Equal(t, float64(0), body["total_debited"])

	rec = e.do(t, "POST", "/credits/topup", map[string]interface{}{"seconds": 0}, authz)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
