package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIssuer(t *testing.T) *Issuer {
	t.Helper()
	i, err := NewIssuer(DefaultOptions([]byte("test-secret")))
	require.NoError(t, err)
	return i
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	_, err := NewIssuer(Options{})
	assert.Error(t, err)
}

func TestIssueVerify(t *testing.T) {
	i := newIssuer(t)

	token, exp, err := i.Issue("user-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*24*time.Hour), exp, time.Minute)

	sub, err := i.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)
}

func TestVerifyRejectsOtherSecret(t *testing.T) {
	token, _, err := newIssuer(t).Issue("user-1")
	require.NoError(t, err)

	other, err := NewIssuer(DefaultOptions([]byte("other-secret")))
	require.NoError(t, err)
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	i := newIssuer(t)
	i.now = func() time.Time { return time.Now().Add(-30 * 24 * time.Hour) }
	token, _, err := i.Issue("user-1")
	require.NoError(t, err)

	i.now = time.Now
	_, err = i.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsOtherAlg(t *testing.T) {
	i := newIssuer(t)
	claims := jwtlib.RegisteredClaims{Subject: "user-1"}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS512, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = i.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := newIssuer(t).Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenFromRequest(t *testing.T) {
	cases := []struct {
		name       string
		build      func(r *http.Request)
		allowQuery bool
		want       string
		wantErr    bool
	}{
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, false, "abc", false},
		{"lowercase bearer", func(r *http.Request) { r.Header.Set("Authorization", "bearer abc") }, false, "abc", false},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: "xyz"}) }, false, "xyz", false},
		{"query allowed", func(r *http.Request) { r.URL.RawQuery = "token=q1" }, true, "q1", false},
		{"query not allowed", func(r *http.Request) { r.URL.RawQuery = "token=q1" }, false, "", true},
		{"nothing", func(r *http.Request) {}, true, "", true},
		{"non-bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Basic Zm9v") }, false, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			tc.build(r)
			got, err := TokenFromRequest(r, tc.allowQuery)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrNoToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLiveIdentity(t *testing.T) {
	i := newIssuer(t)
	token, _, err := i.Issue("alice")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws?userId=alice&token="+token, nil)
	id, err := i.LiveIdentity(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	r = httptest.NewRequest(http.MethodGet, "/ws?userId=bob&token="+token, nil)
	_, err = i.LiveIdentity(r)
	assert.ErrorIs(t, err, ErrInvalidToken)

	r = httptest.NewRequest(http.MethodGet, "/ws?userId=alice", nil)
	_, err = i.LiveIdentity(r)
	assert.ErrorIs(t, err, ErrNoToken)
}
