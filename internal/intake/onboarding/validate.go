package onboarding

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validator checks one step's merged data. A nil return marks the step
// valid and eligible for completion.
type Validator func(data map[string]any) error

// RegisterValidator overrides the rule for a step name. Intended for wiring
// clinic-specific rules at startup, before the machine is in use.
func (m *Machine) RegisterValidator(stepName string, v Validator) {
	m.validators[stepName] = v
}

func defaultValidators() map[string]Validator {
	return map[string]Validator{
		"personal_details": validatePersonalDetails,
		"contact_details":  validateContactDetails,
		"consent":          validateConsent,
	}
}

func validatePersonalDetails(data map[string]any) error {
	if err := requireString(data, "first_name"); err != nil {
		return err
	}
	if err := requireString(data, "last_name"); err != nil {
		return err
	}
	dob, err := stringField(data, "date_of_birth")
	if err != nil {
		return err
	}
	if _, err := time.Parse("2006-01-02", dob); err != nil {
		return errors.New("date_of_birth must be YYYY-MM-DD")
	}
	return nil
}

func validateContactDetails(data map[string]any) error {
	email, _ := data["email"].(string)
	phone, _ := data["phone_number"].(string)
	if strings.TrimSpace(email) == "" && strings.TrimSpace(phone) == "" {
		return errors.New("an email address or phone number is required")
	}
	if email != "" && !strings.Contains(email, "@") {
		return errors.New("email is not an address")
	}
	return nil
}

func validateConsent(data map[string]any) error {
	given, ok := data["consent_given"].(bool)
	if !ok || !given {
		return errors.New("consent must be given")
	}
	return requireString(data, "signature")
}

// validateNonEmpty is the fallback rule: the step must carry at least one
// non-blank value.
func validateNonEmpty(data map[string]any) error {
	for _, v := range data {
		switch t := v.(type) {
		case string:
			if strings.TrimSpace(t) != "" {
				return nil
			}
		case nil:
		default:
			return nil
		}
	}
	return errors.New("no data entered")
}

func requireString(data map[string]any, key string) error {
	_, err := stringField(data, key)
	return err
}

func stringField(data map[string]any, key string) (string, error) {
	v, ok := data[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}
