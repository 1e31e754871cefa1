package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "medchat"

// SessionUser is the identity behind a request.
type SessionUser struct {
	ID               string `json:"id"`
	PractitionerID   string `json:"practitionerId"`
	PractitionerName string `json:"practitionerName,omitempty"`
	PatientID        string `json:"patientId,omitempty"`
	PatientName      string `json:"patientName,omitempty"`
	FHIRBaseURL      string `json:"fhirBaseUrl"`
	AccessToken      string `json:"accessToken"`
}

type Claims struct {
	jwt.RegisteredClaims
	PractitionerID   string `json:"pid"`
	PractitionerName string `json:"pname,omitempty"`
	PatientID        string `json:"ptid,omitempty"`
	PatientName      string `json:"ptname,omitempty"`
	FHIRBaseURL      string `json:"fhir"`
	// SealedToken is the FHIR access token, encrypted.
	SealedToken string `json:"at,omitempty"`
}

// Manager issues and resolves signed session tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	sealer *sealer
	now    func() time.Time
}

func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("session secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	s, err := newSealer([]byte(secret))
	if err != nil {
		return nil, err
	}
	return &Manager{secret: []byte(secret), ttl: ttl, sealer: s, now: time.Now}, nil
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue signs a token for u. The access token never appears in clear text
// inside the token.
func (m *Manager) Issue(u SessionUser) (string, time.Time, error) {
	if u.ID == "" || u.PractitionerID == "" {
		return "", time.Time{}, errors.New("session user needs id and practitioner id")
	}
	sealed := ""
	if u.AccessToken != "" {
		var err error
		sealed, err = m.sealer.seal(u.AccessToken, u.ID)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("seal access token: %w", err)
		}
	}

	now := m.now()
	expires := now.Add(m.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		PractitionerID:   u.PractitionerID,
		PractitionerName: u.PractitionerName,
		PatientID:        u.PatientID,
		PatientName:      u.PatientName,
		FHIRBaseURL:      u.FHIRBaseURL,
		SealedToken:      sealed,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// Resolve returns the session user of a valid token, or nil when the token
// is missing, tampered with or expired.
func (m *Manager) Resolve(token string) *SessionUser {
	if token == "" {
		return nil
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		return nil
	}
	if claims.Subject == "" || claims.PractitionerID == "" {
		return nil
	}

	accessToken := ""
	if claims.SealedToken != "" {
		accessToken, err = m.sealer.open(claims.SealedToken, claims.Subject)
		if err != nil {
			return nil
		}
	}
	return &SessionUser{
		ID:               claims.Subject,
		PractitionerID:   claims.PractitionerID,
		PractitionerName: claims.PractitionerName,
		PatientID:        claims.PatientID,
		PatientName:      claims.PatientName,
		FHIRBaseURL:      claims.FHIRBaseURL,
		AccessToken:      accessToken,
	}
}

// TokenFromRequest reads the session token from the named cookie, falling
// back to an "Authorization: Bearer" header.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
