package approval

import (
	"fmt"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/mackeh/sitelock/internal/control"
)

// DescribeTTL renders a lock lifetime for prompts. has is false when the
// lock never expires.
func DescribeTTL(ttl time.Duration, has bool) string {
	if !has {
		return "unlimited"
	}
	return fmt.Sprintf("%d seconds", int(ttl.Seconds()))
}

// PromptTTL asks for an optional TTL override in seconds. An empty answer
// keeps the configured default, shown in the prompt.
func PromptTTL(defaultTTL string) (string, error) {
	var value string
	input := huh.NewInput().
		Title("Lock TTL in seconds").
		Description(fmt.Sprintf("Leave empty for the default (%s)", defaultTTL)).
		Placeholder(defaultTTL).
		Validate(func(s string) error {
			_, _, err := control.ParseTTL(s)
			return err
		}).
		Value(&value)

	if err := huh.NewForm(huh.NewGroup(input)).Run(); err != nil {
		return "", err
	}
	return value, nil
}
