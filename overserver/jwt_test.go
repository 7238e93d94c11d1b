package overserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-overline/internal/auth"
)

func TestJWTAuth_GenerateAndValidate(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret", nil)

	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	claims, err := jwtAuth.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate generated token: %v", err)
	}
	if claims.Subject != "user-1" || claims.DeviceID != "device-1" {
		t.Errorf("unexpected identity: sub=%s did=%s", claims.Subject, claims.DeviceID)
	}
	if claims.Issuer != tokenIssuer {
		t.Errorf("Expected issuer %q, got %q", tokenIssuer, claims.Issuer)
	}
	if diff := claims.ExpiresAt.Time.Sub(time.Now().Add(time.Hour)).Abs(); diff > 2*time.Second {
		t.Errorf("Token expiry differs by %v", diff)
	}
}

func TestJWTAuth_ValidateToken_Rejects(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret", nil)

	other, _ := NewJWTAuth("other-secret", nil).GenerateToken("user-1", "device-1", time.Hour)
	if _, err := jwtAuth.ValidateToken(other); err == nil {
		t.Error("token signed with another secret must be rejected")
	}

	expired, _ := jwtAuth.GenerateToken("user-1", "device-1", -time.Minute)
	if _, err := jwtAuth.ValidateToken(expired); err == nil {
		t.Error("expired token must be rejected")
	}

	noDevice, _ := jwtAuth.GenerateToken("user-1", "", time.Hour)
	if _, err := jwtAuth.ValidateToken(noDevice); err == nil || !strings.Contains(err.Error(), "did") {
		t.Errorf("token without did must be rejected, got %v", err)
	}

	noneToken := jwt.NewWithClaims(jwt.SigningMethodNone, &JWTClaims{DeviceID: "d", RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: tokenIssuer}})
	signed, _ := noneToken.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := jwtAuth.ValidateToken(signed); err == nil {
		t.Error("unsigned token must be rejected")
	}
}

func TestJWTAuth_RequestIdentity(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret", nil)
	token, _ := jwtAuth.GenerateToken("user-7", "device-9", time.Hour)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := jwtAuth.GetUserID(r); err == nil {
		t.Error("missing header must fail")
	}
	r.Header.Set("Authorization", "Token "+token)
	if _, err := jwtAuth.GetUserID(r); err == nil {
		t.Error("non-bearer scheme must fail")
	}
	r.Header.Set("Authorization", "Bearer "+token)
	userID, err := jwtAuth.GetUserID(r)
	if err != nil || userID != "user-7" {
		t.Errorf("GetUserID = %q, %v", userID, err)
	}
	sourceID, err := jwtAuth.GetSourceID(r)
	if err != nil || sourceID != "device-9" {
		t.Errorf("GetSourceID = %q, %v", sourceID, err)
	}
}

func TestJWTAuth_Middleware(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret", nil)
	var gotUser, gotDevice string
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = auth.GetUserID(r.Context())
		gotDevice, _ = auth.GetDeviceID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	token, _ := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if gotUser != "user-1" || gotDevice != "device-1" {
		t.Errorf("context identity = %q/%q", gotUser, gotDevice)
	}
}
