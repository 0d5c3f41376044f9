package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrMissingOrganization rejects tokens without a tenant. Every read and
// write in the core is organization-scoped, so a token that cannot be
// scoped is useless.
var ErrMissingOrganization = errors.New("token missing organization_id claim")

// Claims represents JWT token claims issued by the identity provider.
// organization_id is mandatory; roles gate operator actions (force
// transitions, global document uploads, questionnaire imports).
type Claims struct {
	Sub            string   `json:"sub"`
	Iss            string   `json:"iss"`
	Exp            int64    `json:"exp"`
	Iat            int64    `json:"iat"`
	Email          string   `json:"email"`
	Name           string   `json:"name"`
	OrganizationID string   `json:"organization_id"`
	Roles          []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token carries the given role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// JWKS represents the JSON Web Key Set response from the identity provider.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

// JWTValidator handles JWT token validation
type JWTValidator struct {
	secret         []byte
	allowedIssuers []string
	jwksURL        string
}

// NewJWTValidator creates a new JWT validator. jwksURL may be empty when
// only HMAC tokens are in play.
func NewJWTValidator(secret string, allowedIssuers []string, jwksURL string) *JWTValidator {
	return &JWTValidator{
		secret:         []byte(secret),
		allowedIssuers: allowedIssuers,
		jwksURL:        jwksURL,
	}
}

// ValidateToken validates a JWT token string and returns claims. Tokens
// without an organization_id claim are rejected regardless of signature.
func (v *JWTValidator) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); ok {
			kid, ok := token.Header["kid"].(string)
			if !ok {
				return nil, errors.New("token missing kid header")
			}
			return v.getRSAPublicKey(kid)
		} else if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
			return v.secret, nil
		}

		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	if claims.Exp > 0 && time.Now().Unix() > claims.Exp {
		return nil, errors.New("token has expired")
	}

	if len(v.allowedIssuers) > 0 {
		validIssuer := false
		for _, allowedIss := range v.allowedIssuers {
			if claims.Iss == allowedIss {
				validIssuer = true
				break
			}
		}
		if !validIssuer {
			return nil, fmt.Errorf("invalid issuer: %s", claims.Iss)
		}
	}

	if claims.OrganizationID == "" {
		return nil, ErrMissingOrganization
	}

	return claims, nil
}

// ExtractUserContext extracts the user id and parsed organization id from
// validated claims.
func (v *JWTValidator) ExtractUserContext(claims *Claims) (userID string, orgID uuid.UUID, err error) {
	userID = claims.Sub
	if userID == "" {
		return "", uuid.Nil, errors.New("token missing sub claim")
	}

	orgID, err = uuid.Parse(claims.OrganizationID)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("organization_id is not a UUID: %w", err)
	}

	return userID, orgID, nil
}

// getRSAPublicKey fetches the RSA public key from the JWKS endpoint
func (v *JWTValidator) getRSAPublicKey(kid string) (*rsa.PublicKey, error) {
	if v.jwksURL == "" {
		return nil, errors.New("JWKS URL not configured for RSA token")
	}

	resp, err := http.Get(v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	for _, key := range jwks.Keys {
		if key.Kid == kid && key.Kty == "RSA" {
			return v.parseRSAPublicKey(key)
		}
	}

	return nil, fmt.Errorf("no RSA key found with kid: %s", kid)
}

// parseRSAPublicKey converts JWK to RSA public key
func (v *JWTValidator) parseRSAPublicKey(jwk JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	n := big.NewInt(0).SetBytes(nBytes)
	e := big.NewInt(0).SetBytes(eBytes)

	return &rsa.PublicKey{
		N: n,
		E: int(e.Int64()),
	}, nil
}
