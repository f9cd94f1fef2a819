package domain

import (
	"fmt"
	"strings"
)

// ValidateCredentials checks run credentials before any login is attempted.
func ValidateCredentials(c Credentials) error {
	if !strings.Contains(c.Email, "@") {
		return fmt.Errorf("validate: email %q is not an address", c.Email)
	}
	if c.Password == "" {
		return fmt.Errorf("validate: password is empty")
	}
	return nil
}

// ValidateCourse checks a course record loaded from the metadata store.
func ValidateCourse(c Course) error {
	if c.ID <= 0 {
		return fmt.Errorf("validate: course id %d", c.ID)
	}
	if strings.TrimSpace(c.Title) == "" {
		return fmt.Errorf("validate: course %d has empty title", c.ID)
	}
	return nil
}
