package httpapi

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const tokenAudience = "convrelay"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

// jwtClaims is the wire form of a relay token. Scopes and aud accept either a
// single string or a list.
type jwtClaims struct {
	Subject  string      `json:"sub"`
	Scopes   stringList  `json:"scopes"`
	Audience stringList  `json:"aud"`
	Expires  json.Number `json:"exp"`
}

type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*l = many
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*l = strings.Fields(one)
	return nil
}

func (l stringList) contains(want string) bool {
	for _, item := range l {
		if item == want {
			return true
		}
	}
	return false
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
		}
	}
	return claims, nil
}

// bearerFromRequest falls back to the access_token query parameter because
// browser websocket clients cannot set headers.
func bearerFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return header
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return "Bearer " + token
	}
	return ""
}

// parseBearer verifies an HS256 token scoped to the relay and returns its
// claims. The signature is checked before the payload is trusted.
func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	header, payload, signature, ok := splitToken(strings.TrimSpace(raw))
	if !ok {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}

	var head struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(header, &head); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if head.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(header + "." + payload))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var claims jwtClaims
	if err := decodeSegment(payload, &claims); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	exp, err := claims.Expires.Int64()
	if err != nil {
		expFloat, floatErr := claims.Expires.Float64()
		if floatErr != nil {
			return tokenClaims{}, unauthorized("invalid exp claim")
		}
		exp = int64(expFloat)
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if !claims.Audience.contains(tokenAudience) {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}

	scopes := make(map[string]struct{}, len(claims.Scopes))
	for _, scope := range claims.Scopes {
		if scope != "" {
			scopes[scope] = struct{}{}
		}
	}
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return tokenClaims{Subject: subject, Scopes: scopes, Exp: exp}, nil
}

func splitToken(raw string) (header, payload, signature string, ok bool) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func decodeSegment(segment string, out any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// verifyTwilioSignature checks X-Twilio-Signature: base64 HMAC-SHA1 of the
// full request URL followed by every POST parameter name and value, sorted by
// name.
func verifyTwilioSignature(authToken, fullURL string, form url.Values, signature string) *authError {
	if strings.TrimSpace(signature) == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing webhook signature"}
	}
	expected := twilioSignature(authToken, fullURL, form)
	if !hmac.Equal([]byte(strings.TrimSpace(signature)), []byte(expected)) {
		return &authError{status: 401, code: "unauthorized", message: "webhook signature mismatch"}
	}
	return nil
}

func twilioSignature(authToken, fullURL string, form url.Values) string {
	names := make([]string, 0, len(form))
	for name := range form {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, name := range names {
		values := append([]string(nil), form[name]...)
		sort.Strings(values)
		for _, value := range values {
			b.WriteString(name)
			b.WriteString(value)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
