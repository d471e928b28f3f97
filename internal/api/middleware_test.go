package api

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jwksFixture struct {
	key     *rsa.PrivateKey
	server  *httptest.Server
	fetches atomic.Int32
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &jwksFixture{key: key}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.fetches.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": "test-key",
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) token(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func TestJWTAuthMiddleware(t *testing.T) {
	fixture := newJWKSFixture(t)
	userID := uuid.New()
	exp := time.Now().Add(time.Hour).Unix()

	mw := JWTAuthMiddleware(AuthConfig{JWKSURL: fixture.server.URL, Audience: "soutien", Issuer: "https://auth.example.org"})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetAuthUserID(r.Context())
		assert.True(t, ok)
		assert.Equal(t, userID, id)
		w.WriteHeader(http.StatusNoContent)
	}))

	valid := jwt.MapClaims{"sub": userID.String(), "aud": "soutien", "iss": "https://auth.example.org", "exp": exp}

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "not a bearer token", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer not-a-jwt", want: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer " + fixture.token(t, "test-key", valid), want: http.StatusNoContent},
		{name: "unknown kid", header: "Bearer " + fixture.token(t, "other-key", valid), want: http.StatusUnauthorized},
		{
			name:   "wrong audience",
			header: "Bearer " + fixture.token(t, "test-key", jwt.MapClaims{"sub": userID.String(), "aud": "other", "iss": "https://auth.example.org", "exp": exp}),
			want:   http.StatusUnauthorized,
		},
		{
			name:   "expired",
			header: "Bearer " + fixture.token(t, "test-key", jwt.MapClaims{"sub": userID.String(), "aud": "soutien", "iss": "https://auth.example.org", "exp": time.Now().Add(-time.Hour).Unix()}),
			want:   http.StatusUnauthorized,
		},
		{
			name:   "subject is not a user id",
			header: "Bearer " + fixture.token(t, "test-key", jwt.MapClaims{"sub": "user_2abc", "aud": "soutien", "iss": "https://auth.example.org", "exp": exp}),
			want:   http.StatusUnauthorized,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/donations/mine", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, tc.want, rr.Code)
		})
	}
}

func TestJWKSCacheReusesKeys(t *testing.T) {
	fixture := newJWKSFixture(t)
	cache := newJWKSCache(fixture.server.URL)

	first, err := cache.key("test-key")
	require.NoError(t, err)
	second, err := cache.key("test-key")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), fixture.fetches.Load())

	_, err = cache.key("rotated-away")
	assert.Error(t, err)
	assert.Equal(t, int32(2), fixture.fetches.Load(), "unknown kid forces a refresh")
}

func TestParseRSAPublicKeyRejectsBadInput(t *testing.T) {
	_, err := parseRSAPublicKey("!!", "AQAB")
	assert.Error(t, err)
	_, err = parseRSAPublicKey("AQAB", "")
	assert.Error(t, err)

	pub, err := parseRSAPublicKey("AQAB", "AQAB")
	require.NoError(t, err)
	assert.Equal(t, 65537, pub.E)
}

func TestInternalAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	cases := []struct {
		name     string
		required string
		provided string
		want     int
	}{
		{name: "matching key", required: "s3cret", provided: "s3cret", want: http.StatusOK},
		{name: "wrong key", required: "s3cret", provided: "guess", want: http.StatusUnauthorized},
		{name: "missing key", required: "s3cret", provided: "", want: http.StatusUnauthorized},
		{name: "closed when unconfigured", required: "", provided: "", want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/internal/reconcile", nil)
			if tc.provided != "" {
				req.Header.Set("X-Internal-API-Key", tc.provided)
			}
			rr := httptest.NewRecorder()
			InternalAuthMiddleware(tc.required)(ok).ServeHTTP(rr, req)
			assert.Equal(t, tc.want, rr.Code)
		})
	}
}
