package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/medchat/internal/auth"
	"github.com/suPer8Hu/medchat/internal/common"
	"github.com/suPer8Hu/medchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/medchat/internal/users"
)

// sessionView is a SessionUser without the bearer token.
type sessionView struct {
	ID               string `json:"id"`
	PractitionerID   string `json:"practitionerId"`
	PractitionerName string `json:"practitionerName,omitempty"`
	PatientID        string `json:"patientId,omitempty"`
	PatientName      string `json:"patientName,omitempty"`
	FHIRBaseURL      string `json:"fhirBaseUrl"`
	HasAccessToken   bool   `json:"hasAccessToken"`
}

func viewOf(u *auth.SessionUser) sessionView {
	return sessionView{
		ID:               u.ID,
		PractitionerID:   u.PractitionerID,
		PractitionerName: u.PractitionerName,
		PatientID:        u.PatientID,
		PatientName:      u.PatientName,
		FHIRBaseURL:      u.FHIRBaseURL,
		HasAccessToken:   u.AccessToken != "",
	}
}

type createSessionReq struct {
	PractitionerID string `json:"practitionerId"`
	Name           string `json:"name"`
	FHIRBaseURL    string `json:"fhirBaseUrl"`
	AccessToken    string `json:"accessToken"`
	PatientID      string `json:"patientId"`
	PatientName    string `json:"patientName"`
	EncounterID    string `json:"encounterId"`
}

// CreateSession turns a SMART launch result into a signed session.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.PractitionerID = strings.TrimSpace(req.PractitionerID)
	req.FHIRBaseURL = strings.TrimSpace(req.FHIRBaseURL)
	if req.PractitionerID == "" || req.FHIRBaseURL == "" || req.AccessToken == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "practitionerId, fhirBaseUrl and accessToken required")
		return
	}

	ctx := c.Request.Context()
	log := h.Log.With().Str("practitioner_id", req.PractitionerID).Logger()
	if !h.Cfg.FHIRBaseAllowed(req.FHIRBaseURL) {
		log.Warn().Str("fhir_base_url", req.FHIRBaseURL).Msg("fhir server not allowed")
		common.Fail(c, http.StatusForbidden, 40301, "fhir server not allowed")
		return
	}
	name := strings.TrimSpace(req.Name)

	if h.Cfg.AuthVerifyFHIR && h.Verifier != nil {
		verified, err := h.Verifier.Verify(ctx, req.FHIRBaseURL, req.PractitionerID, req.AccessToken)
		switch {
		case errors.Is(err, auth.ErrFHIRUnauthorized), errors.Is(err, auth.ErrPractitionerMismatch):
			log.Warn().Err(err).Msg("session rejected")
			common.Fail(c, http.StatusUnauthorized, 40102, "launch could not be verified")
			return
		case err != nil:
			log.Error().Err(err).Msg("fhir verification failed")
			common.Fail(c, http.StatusBadGateway, 50201, "fhir server unavailable")
			return
		}
		if verified != "" {
			name = verified
		}
	}

	u, err := h.Users.Upsert(ctx, req.PractitionerID, name)
	if err != nil {
		log.Error().Err(err).Msg("upsert user")
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create session")
		return
	}

	su := auth.SessionUser{
		ID:               u.ID,
		PractitionerID:   u.PractitionerID,
		PractitionerName: u.Name,
		PatientID:        strings.TrimSpace(req.PatientID),
		PatientName:      strings.TrimSpace(req.PatientName),
		FHIRBaseURL:      req.FHIRBaseURL,
		AccessToken:      req.AccessToken,
	}
	token, expires, err := h.Sessions.Issue(su)
	if err != nil {
		log.Error().Err(err).Msg("issue session")
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create session")
		return
	}

	h.setSessionCookie(c, token, int(h.Sessions.TTL().Seconds()))
	log.Info().Str("user_id", u.ID).Msg("session created")
	common.OK(c, gin.H{
		"token":     token,
		"expiresAt": expires,
		"user":      viewOf(&su),
	})
}

func (h *Handler) setSessionCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.Cfg.SessionCookie, value, maxAge, "/", "", !h.Cfg.IsDev(), true)
}

func (h *Handler) GetSession(c *gin.Context) {
	u := middleware.User(c)
	common.OK(c, gin.H{"user": viewOf(u)})
}

// Me is the session plus the stored profile.
func (h *Handler) Me(c *gin.Context) {
	u := middleware.User(c)
	profile, err := h.Users.GetByPractitionerID(c.Request.Context(), u.PractitionerID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			common.Fail(c, http.StatusUnauthorized, 40103, "user no longer exists")
			return
		}
		h.Log.Error().Err(err).Msg("load profile")
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}
	common.OK(c, gin.H{"user": viewOf(u), "profile": profile})
}

// DeleteSession signs out by expiring the cookie. Issued tokens stay valid
// until they expire.
func (h *Handler) DeleteSession(c *gin.Context) {
	h.setSessionCookie(c, "", -1)
	common.OK(c, gin.H{"signedOut": true})
}
