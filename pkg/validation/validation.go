package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxTitleLength       = 140
	MaxDescriptionLength = 5000
	MaxCategoryLength    = 64
	MaxViewerTokenLength = 128
)

var (
	// IDRegex matches stream ids, user ids and viewer tokens.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

func ValidateStreamID(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("stream ID is required")
	}
	if len(streamID) > 100 {
		return fmt.Errorf("stream ID is too long (max 100 characters)")
	}
	if !IDRegex.MatchString(streamID) {
		return fmt.Errorf("invalid stream ID format")
	}
	return nil
}

func ValidateUserID(userID string) error {
	if userID == "" || len(userID) > 100 || !IDRegex.MatchString(userID) {
		return fmt.Errorf("invalid user ID format")
	}
	return nil
}

func ValidateViewerToken(token string) error {
	if token == "" {
		return fmt.Errorf("viewer token is required")
	}
	if len(token) > MaxViewerTokenLength {
		return fmt.Errorf("viewer token is too long (max %d characters)", MaxViewerTokenLength)
	}
	if !IDRegex.MatchString(token) {
		return fmt.Errorf("invalid viewer token format")
	}
	return nil
}

func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if len(username) < 3 || len(username) > 50 {
		return fmt.Errorf("username must be between 3 and 50 characters")
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("username contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateTitle requires a non-blank title of at most MaxTitleLength runes.
func ValidateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("title is required")
	}
	return ValidateStringLength(title, 1, MaxTitleLength, "title")
}

func ValidateDescription(description string) error {
	return ValidateStringLength(description, 0, MaxDescriptionLength, "description")
}

func ValidateCategory(category string) error {
	return ValidateStringLength(category, 0, MaxCategoryLength, "category")
}

// ValidateChatBody checks a chat body against the configured bound, counted
// in runes over the whole body. A body of only whitespace is empty.
func ValidateChatBody(body string, maxLen int) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("message body is required")
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("message body is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(body); n > maxLen {
		return fmt.Errorf("message body is too long (%d characters, max %d)", n, maxLen)
	}
	return nil
}

// ValidateThumbnailRef accepts an empty ref, an absolute http(s) URL or an
// opaque storage key.
func ValidateThumbnailRef(ref string) error {
	if ref == "" {
		return nil
	}
	if len(ref) > 2048 {
		return fmt.Errorf("thumbnail reference is too long (max 2048 characters)")
	}
	if strings.Contains(ref, "://") {
		return ValidateURL(ref)
	}
	if strings.ContainsAny(ref, " \t\n") {
		return fmt.Errorf("thumbnail reference must not contain whitespace")
	}
	return nil
}

func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
