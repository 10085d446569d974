package schemas

import (
	"fmt"
	"net/url"
	"strings"
)

// -- Request Schemas --

// Credential holds the username and password pair used to authenticate
// against the remote verification site.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AutomationRequest describes a single verification job: who to look up,
// how to log in to the remote site, and where to deliver the result.
type AutomationRequest struct {
	// SSN is the subject identifier. It may arrive with formatting
	// characters (dashes, spaces); the sequencer submits digits only.
	SSN string `json:"ssn"`
	// ServiceNumber is an optional secondary identifier.
	ServiceNumber string `json:"service_number,omitempty"`

	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth,omitempty"`

	Credentials Credential `json:"credentials"`

	// CorrelationID is the caller's reference (e.g. a matter id). It is
	// threaded through the run and echoed back in the callback payload.
	CorrelationID string `json:"correlation_id"`

	// CallbackURL is optional. Historically the inbound payload has used
	// several key names for it; DecodeCallbackURL normalizes them.
	CallbackURL string `json:"callback_url,omitempty"`
}

// Validate checks the invariants the pipeline depends on: identity fields
// and credentials are required, and the callback URL (if present) must be
// normalizable to an absolute HTTP(S) URL.
func (r *AutomationRequest) Validate() error {
	if strings.TrimSpace(r.SSN) == "" {
		return fmt.Errorf("ssn is required")
	}
	if strings.TrimSpace(r.FirstName) == "" || strings.TrimSpace(r.LastName) == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	if r.Credentials.Username == "" || r.Credentials.Password == "" {
		return fmt.Errorf("remote site credentials are required")
	}
	if r.CallbackURL != "" {
		if _, err := NormalizeCallbackURL(r.CallbackURL); err != nil {
			return fmt.Errorf("invalid callback_url: %w", err)
		}
	}
	return nil
}

// CallbackURLKeys lists the historically compatible JSON key names under
// which callers have supplied the callback URL.
var CallbackURLKeys = []string{"callback_url", "callbackUrl", "callbackURL", "webhook_url", "postback_url"}

// DecodeCallbackURL picks the callback URL out of a loosely structured
// payload, accepting any of the legacy key names. The first non-empty
// match wins.
func DecodeCallbackURL(raw map[string]interface{}) string {
	for _, key := range CallbackURLKeys {
		if v, ok := raw[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// NormalizeCallbackURL trims whitespace and prefixes a scheme when absent,
// returning an absolute HTTP(S) URL.
func NormalizeCallbackURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("empty URL")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", err
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return "", fmt.Errorf("URL %q is not absolute", rawURL)
	}
	return parsed.String(), nil
}

// MaskSSN reduces a subject identifier to its last four digits for use in
// error reports and logs. Full identifiers are never written to artifacts.
func MaskSSN(ssn string) string {
	digits := DigitsOnly(ssn)
	if len(digits) <= 4 {
		return "***"
	}
	return "***-**-" + digits[len(digits)-4:]
}

// PreviewURL reduces a URL to a short prefix plus its total length, enough
// to recognize a misconfigured callback without persisting the full value.
func PreviewURL(rawURL string) string {
	const max = 24
	if rawURL == "" {
		return ""
	}
	if len(rawURL) <= max {
		return fmt.Sprintf("%s (len=%d)", rawURL, len(rawURL))
	}
	return fmt.Sprintf("%s... (len=%d)", rawURL[:max], len(rawURL))
}

// DigitsOnly strips every non-digit character. Applying it twice yields
// the same result as applying it once.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
