package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrFHIRUnauthorized     = errors.New("fhir server rejected the access token")
	ErrPractitionerMismatch = errors.New("practitioner does not match the access token")
)

// PractitionerVerifier reads Practitioner/{id} with the caller's access
// token to prove the launch context is genuine.
type PractitionerVerifier struct {
	Client *http.Client
}

func NewPractitionerVerifier() *PractitionerVerifier {
	return &PractitionerVerifier{Client: &http.Client{Timeout: 10 * time.Second}}
}

type fhirPractitioner struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Name         []struct {
		Text   string   `json:"text"`
		Family string   `json:"family"`
		Given  []string `json:"given"`
		Prefix []string `json:"prefix"`
	} `json:"name"`
}

// Verify returns the practitioner's display name.
func (v *PractitionerVerifier) Verify(ctx context.Context, baseURL, practitionerID, accessToken string) (string, error) {
	if baseURL == "" || practitionerID == "" || accessToken == "" {
		return "", errors.New("fhir base url, practitioner id and access token are required")
	}
	u := strings.TrimRight(baseURL, "/") + "/Practitioner/" + url.PathEscape(practitionerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := v.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("read practitioner: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", ErrFHIRUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrPractitionerMismatch
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("read practitioner: status %d", resp.StatusCode)
	}

	var p fhirPractitioner
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&p); err != nil {
		return "", fmt.Errorf("decode practitioner: %w", err)
	}
	if p.ResourceType != "Practitioner" || p.ID != practitionerID {
		return "", ErrPractitionerMismatch
	}
	return p.displayName(), nil
}

func (p fhirPractitioner) displayName() string {
	if len(p.Name) == 0 {
		return ""
	}
	n := p.Name[0]
	if n.Text != "" {
		return n.Text
	}
	parts := append(append([]string{}, n.Prefix...), n.Given...)
	if n.Family != "" {
		parts = append(parts, n.Family)
	}
	return strings.Join(parts, " ")
}
