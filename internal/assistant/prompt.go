package assistant

import (
	"strings"

	"github.com/suPer8Hu/medchat/internal/auth"
)

const basePrompt = `You are a clinical assistant for healthcare practitioners.
Answer using information returned by your tools only. Check the knowledge base with getInformation before answering clinical questions. If the tools return nothing relevant, say that you don't know.
The practitioner is already signed in and the EHR tools use that session. Never ask the user for credentials, tokens or identifiers you already have.
Never reveal sensitive identifiers such as social security numbers, even when a tool returns them.`

// SystemPrompt returns the instructions for one turn, including who is
// signed in and which patient is in context.
func SystemPrompt(u *auth.SessionUser) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	if u == nil {
		return b.String()
	}
	if u.PractitionerName != "" {
		b.WriteString("\n\nSigned-in practitioner: ")
		b.WriteString(u.PractitionerName)
	}
	if u.PatientID != "" {
		b.WriteString("\nPatient in context: ")
		if u.PatientName != "" {
			b.WriteString(u.PatientName)
			b.WriteString(" ")
		}
		b.WriteString("(id ")
		b.WriteString(u.PatientID)
		b.WriteString(")")
	}
	return b.String()
}
