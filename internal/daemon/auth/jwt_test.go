// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestValidateJWT_HS256RoundTrip(t *testing.T) {
	cfg := JWTConfig{
		Secret:   []byte("test-secret-key"),
		Issuer:   "maestrod",
		Audience: "maestro-api",
	}

	token, err := GenerateJWT(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "alice",
		},
		UserID:   "alice",
		TenantID: "acme",
		Scopes:   []string{ScopeRunsRead, ScopeRunsWrite},
	}, cfg)
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	claims, err := ValidateJWT(token, cfg)
	if err != nil {
		t.Fatalf("ValidateJWT() error = %v", err)
	}

	if claims.UserID != "alice" {
		t.Errorf("UserID = %v, want alice", claims.UserID)
	}
	if claims.TenantID != "acme" {
		t.Errorf("TenantID = %v, want acme", claims.TenantID)
	}
	if len(claims.Scopes) != 2 {
		t.Errorf("Scopes = %v, want 2 entries", claims.Scopes)
	}
	if claims.Issuer != "maestrod" {
		t.Errorf("Issuer = %v, want maestrod", claims.Issuer)
	}
}

func TestValidateJWT_EdDSARoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	cfg := JWTConfig{
		PublicKey:  pub,
		PrivateKey: priv,
	}

	token, err := GenerateJWT(Claims{UserID: "bob", TenantID: "globex"}, cfg)
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	claims, err := ValidateJWT(token, cfg)
	if err != nil {
		t.Fatalf("ValidateJWT() error = %v", err)
	}
	if claims.UserID != "bob" {
		t.Errorf("UserID = %v, want bob", claims.UserID)
	}
}

func TestValidateJWT_Expired(t *testing.T) {
	cfg := JWTConfig{Secret: []byte("test-secret")}

	token, err := GenerateJWT(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		UserID: "alice",
	}, cfg)
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	if _, err := ValidateJWT(token, cfg); err == nil {
		t.Error("ValidateJWT() accepted an expired token")
	}

	// The same token passes with enough leeway
	cfg.Leeway = 5 * time.Minute
	if _, err := ValidateJWT(token, cfg); err != nil {
		t.Errorf("ValidateJWT() with leeway error = %v", err)
	}
}

func TestValidateJWT_WrongIssuer(t *testing.T) {
	signCfg := JWTConfig{Secret: []byte("test-secret"), Issuer: "someone-else"}
	token, err := GenerateJWT(Claims{UserID: "alice"}, signCfg)
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	checkCfg := JWTConfig{Secret: []byte("test-secret"), Issuer: "maestrod"}
	if _, err := ValidateJWT(token, checkCfg); err == nil {
		t.Error("ValidateJWT() accepted a token with the wrong issuer")
	}
}

func TestValidateJWT_WrongAudience(t *testing.T) {
	signCfg := JWTConfig{Secret: []byte("test-secret"), Audience: "other-api"}
	token, err := GenerateJWT(Claims{UserID: "alice"}, signCfg)
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	checkCfg := JWTConfig{Secret: []byte("test-secret"), Audience: "maestro-api"}
	if _, err := ValidateJWT(token, checkCfg); err == nil {
		t.Error("ValidateJWT() accepted a token with the wrong audience")
	}
}

func TestValidateJWT_WrongKey(t *testing.T) {
	token, err := GenerateJWT(Claims{UserID: "alice"}, JWTConfig{Secret: []byte("correct")})
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	if _, err := ValidateJWT(token, JWTConfig{Secret: []byte("wrong")}); err == nil {
		t.Error("ValidateJWT() accepted a token signed with a different secret")
	}
}

func TestValidateJWT_AlgorithmMismatch(t *testing.T) {
	// An HS256 token must not validate against an EdDSA-only config
	token, err := GenerateJWT(Claims{UserID: "alice"}, JWTConfig{Secret: []byte("test-secret")})
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	if _, err := ValidateJWT(token, JWTConfig{PublicKey: pub}); err == nil {
		t.Error("ValidateJWT() accepted an HS256 token against an EdDSA config")
	}
}

func TestValidateJWT_Malformed(t *testing.T) {
	cfg := JWTConfig{Secret: []byte("test-secret")}

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := ValidateJWT(token, cfg); err == nil {
			t.Errorf("ValidateJWT(%q) = nil, want error", token)
		}
	}
}

func TestGenerateJWT_NoKey(t *testing.T) {
	if _, err := GenerateJWT(Claims{UserID: "alice"}, JWTConfig{}); err == nil {
		t.Error("GenerateJWT() with no signing key = nil, want error")
	}
}

func TestGenerateJWT_DefaultExpiry(t *testing.T) {
	cfg := JWTConfig{Secret: []byte("test-secret")}

	token, err := GenerateJWT(Claims{UserID: "alice"}, cfg)
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	claims, err := ValidateJWT(token, cfg)
	if err != nil {
		t.Fatalf("ValidateJWT() error = %v", err)
	}

	if claims.ExpiresAt == nil {
		t.Fatal("ExpiresAt = nil, want default expiry")
	}
	if until := time.Until(claims.ExpiresAt.Time); until < 23*time.Hour || until > 25*time.Hour {
		t.Errorf("default expiry %v from now, want about 24h", until)
	}
}
