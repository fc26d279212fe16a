package notification

import "testing"

func TestPersonalizedContent_Variables(t *testing.T) {
	p := makeParams(2)
	p.Body = "Review by {{DEADLINE}}"
	p.Variables = map[string]string{"DEADLINE": "2025-01-10"}
	n := mustCreate(t, p)

	for _, r := range n.Recipients {
		got := n.PersonalizedContent(r)
		if got != "Review by 2025-01-10" {
			t.Errorf("recipient %s: expected substituted body, got %q", r.UserID, got)
		}
	}
}

func TestPersonalizedContent_RecipientPlaceholdersFirst(t *testing.T) {
	p := makeParams(1)
	p.Body = "Hi {{RECIPIENT_NAME}}, your id is {{USER_ID}}"
	// A template variable must not shadow the recipient-specific value.
	p.Variables = map[string]string{"USER_ID": "generic"}
	n := mustCreate(t, p)

	got := n.PersonalizedContent(n.Recipients[0])
	want := "Hi User 0, your id is user-0"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestPersonalizedContent_UnresolvedLeftVerbatim(t *testing.T) {
	p := makeParams(1)
	p.Body = "Amount due: {{AMOUNT}}"
	n := mustCreate(t, p)

	if got := n.PersonalizedContent(n.Recipients[0]); got != "Amount due: {{AMOUNT}}" {
		t.Errorf("unresolved placeholder should stay verbatim, got %q", got)
	}
}

func TestPersonalizedSubject(t *testing.T) {
	p := makeParams(1)
	p.Subject = "{{RECIPIENT_NAME}}: contract {{CONTRACT}} updated"
	p.Variables = map[string]string{"CONTRACT": "C-1041"}
	n := mustCreate(t, p)

	got := n.PersonalizedSubject(n.Recipients[0])
	if got != "User 0: contract C-1041 updated" {
		t.Errorf("unexpected subject: %q", got)
	}
}
