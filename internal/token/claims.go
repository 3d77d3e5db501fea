package token

import (
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
)

var signatureAlgorithms = []gojose.SignatureAlgorithm{
	gojose.HS256, gojose.HS384, gojose.HS512,
	gojose.RS256, gojose.RS384, gojose.RS512,
	gojose.ES256, gojose.ES384, gojose.ES512,
	gojose.PS256, gojose.EdDSA,
}

// expiryFromJWT reads the exp claim of a JWT-shaped credential. The
// signature is not verified; the server remains the authority on validity.
func expiryFromJWT(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	parsed, err := gojwt.ParseSigned(value, signatureAlgorithms)
	if err != nil {
		return time.Time{}, false
	}
	var claims gojwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return time.Time{}, false
	}
	if claims.Expiry == nil {
		return time.Time{}, false
	}
	return claims.Expiry.Time(), true
}
