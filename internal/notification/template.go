package notification

import "strings"

// Recipient-specific placeholders resolved before the generic template
// variables. Unresolved placeholders are left verbatim; personalization
// never fails.
const (
	placeholderName   = "{{RECIPIENT_NAME}}"
	placeholderUserID = "{{USER_ID}}"
	placeholderEmail  = "{{RECIPIENT_EMAIL}}"
)

// PersonalizedSubject renders the subject for one recipient.
func (n *Notification) PersonalizedSubject(r Recipient) string {
	return n.substitute(n.Subject, r)
}

// PersonalizedContent renders the body for one recipient.
func (n *Notification) PersonalizedContent(r Recipient) string {
	return n.substitute(n.Body, r)
}

func (n *Notification) substitute(s string, r Recipient) string {
	pairs := make([]string, 0, 6+len(n.Variables)*2)
	if r.DisplayName != "" {
		pairs = append(pairs, placeholderName, r.DisplayName)
	}
	if r.UserID != "" {
		pairs = append(pairs, placeholderUserID, r.UserID)
	}
	if r.Email != "" {
		pairs = append(pairs, placeholderEmail, r.Email)
	}
	for k, v := range n.Variables {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	if len(pairs) == 0 {
		return s
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
