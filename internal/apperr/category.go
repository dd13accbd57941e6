package apperr

import "strings"

// Category is the coarse failure classification recorded on failed jobs and
// used to decide whether an operator alert is raised.
type Category string

const (
	CategoryQuotaExceeded   Category = "quota_exceeded"
	CategoryAPIKeyInvalid   Category = "api_key_invalid"
	CategoryStorageError    Category = "storage_error"
	CategoryTimeout         Category = "timeout"
	CategoryNetworkError    Category = "network_error"
	CategoryResourceError   Category = "resource_error"
	CategoryVideoProcessing Category = "video_processing_error"
	CategoryUnknown         Category = "unknown_error"
)

// keyword rules are evaluated in order; the first match wins.
var categoryRules = []struct {
	category Category
	keywords []string
}{
	{CategoryQuotaExceeded, []string{"quota", "rate limit"}},
	{CategoryAPIKeyInvalid, []string{"api key", "authentication"}},
	{CategoryStorageError, []string{"storage", "bucket"}},
	{CategoryTimeout, []string{"timeout"}},
	{CategoryNetworkError, []string{"network", "connection"}},
	{CategoryResourceError, []string{"memory", "resource"}},
	{CategoryVideoProcessing, []string{"ffmpeg", "video"}},
}

// Categorize derives a Category from the error's message.
func Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	return CategorizeMessage(err.Error())
}

// CategorizeMessage applies the keyword rules to a raw message.
func CategorizeMessage(msg string) Category {
	msg = strings.ToLower(msg)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}

// Critical reports whether the category needs operator attention.
func (c Category) Critical() bool {
	switch c {
	case CategoryQuotaExceeded, CategoryAPIKeyInvalid, CategoryStorageError:
		return true
	default:
		return false
	}
}
