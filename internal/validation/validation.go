// Package validation checks the format of registration payload fields.
// Every check is syntactic; nothing here touches storage.
package validation

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"

	"github.com/trenches-waitlist/internal/types"
)

const (
	// HandlePrefix is prepended to handles supplied without it
	HandlePrefix = "@"
	// MaxHandleLength bounds the handle body, excluding the prefix
	MaxHandleLength = 15

	solanaMinLength = 32
	solanaMaxLength = 44
	solanaKeyBytes  = 32
)

var handleRegex = regexp.MustCompile(fmt.Sprintf(`^@?[A-Za-z0-9_]{1,%d}$`, MaxHandleLength))

// referral codes are upper-case hex, 8 chars normally and 12 for the fallback width
var referralCodeRegex = regexp.MustCompile(`^[0-9A-Fa-f]{8,12}$`)

// statusPathRegex matches /<account>/status/<post id>, optionally followed by a media suffix
var statusPathRegex = regexp.MustCompile(`^/[^/]+/status/[0-9]+(/.*)?$`)

// verificationHosts are the social platforms whose posts can be submitted
var verificationHosts = map[string]bool{
	"x.com":           true,
	"www.x.com":       true,
	"twitter.com":     true,
	"www.twitter.com": true,
}

// NormalizeHandle validates a handle and returns it with the @ prefix
func NormalizeHandle(handle string) (string, error) {
	handle = strings.TrimSpace(handle)
	if !handleRegex.MatchString(handle) {
		return "", fmt.Errorf("handle must be 1-%d letters, digits or underscores, optionally prefixed with @", MaxHandleLength)
	}
	if !strings.HasPrefix(handle, HandlePrefix) {
		handle = HandlePrefix + handle
	}
	return handle, nil
}

// ValidateEmail checks for a bare address such as alice@example.com
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("invalid email address")
	}
	return nil
}

// ValidateEvmAddress checks for 0x followed by 40 hexadecimal characters
func ValidateEvmAddress(address string) error {
	if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
		return fmt.Errorf("invalid EVM address %q: must be 0x followed by 40 hexadecimal characters", address)
	}
	return nil
}

// ValidateSolanaAddress checks for a base58 encoded 32-byte public key
func ValidateSolanaAddress(address string) error {
	if len(address) < solanaMinLength || len(address) > solanaMaxLength {
		return fmt.Errorf("invalid Solana address: length must be between %d and %d characters", solanaMinLength, solanaMaxLength)
	}
	decoded, err := base58.Decode(address)
	if err != nil {
		return fmt.Errorf("invalid Solana address: %w", err)
	}
	if len(decoded) != solanaKeyBytes {
		return fmt.Errorf("invalid Solana address: decodes to %d bytes, want %d", len(decoded), solanaKeyBytes)
	}
	return nil
}

// ValidateVerificationURL checks that link points at a single post on X
func ValidateVerificationURL(link string) error {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return fmt.Errorf("invalid verification link: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("invalid verification link: scheme must be http or https")
	}
	if !verificationHosts[strings.ToLower(u.Hostname())] {
		return fmt.Errorf("invalid verification link: host must be x.com or twitter.com")
	}
	if !statusPathRegex.MatchString(u.Path) {
		return fmt.Errorf("invalid verification link: must link to a single post")
	}
	return nil
}

// ValidateReferralCode checks that code looks like a generated referral code
func ValidateReferralCode(code string) error {
	if !referralCodeRegex.MatchString(strings.TrimSpace(code)) {
		return fmt.Errorf("invalid referral code format")
	}
	return nil
}

// NormalizeReferralCode returns the stored form of a referral code
func NormalizeReferralCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Errors accumulates field errors so a payload is reported in full
type Errors struct {
	fields []types.FieldError
}

// Add records err against field; a nil err is ignored
func (e *Errors) Add(field string, err error) {
	if err == nil {
		return
	}
	e.fields = append(e.fields, types.FieldError{Field: field, Message: err.Error()})
}

// Empty reports whether no errors were recorded
func (e *Errors) Empty() bool {
	return len(e.fields) == 0
}

// Fields returns the recorded errors in insertion order
func (e *Errors) Fields() []types.FieldError {
	return e.fields
}
