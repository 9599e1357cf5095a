package appointment

import (
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/hackgods/dental-chat-scheduling/internal/validation"
)

// normalizePatient lowercases the email key and rewrites the phone in E.164.
// Email is the only natural key; name and phone never cause a merge.
func normalizePatient(in PatientInput, region string) (PatientInput, error) {
	out := PatientInput{
		Email: strings.ToLower(strings.TrimSpace(in.Email)),
		Name:  strings.TrimSpace(in.Name),
	}
	if !validation.IsEmail(out.Email) {
		return PatientInput{}, &ValidationError{Field: "patient_email", Message: "must be a valid email address"}
	}
	if out.Name == "" {
		out.Name = nameFromEmail(out.Email)
	}

	phone := strings.TrimSpace(in.Phone)
	if phone == "" {
		return out, nil
	}
	num, err := phonenumbers.Parse(phone, region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return PatientInput{}, &ValidationError{Field: "patient_phone", Message: "must be a valid phone number"}
	}
	out.Phone = phonenumbers.Format(num, phonenumbers.E164)
	return out, nil
}

// nameFromEmail gives lazily created patients a readable placeholder name.
func nameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	local = strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(local)
	return strings.TrimSpace(local)
}
