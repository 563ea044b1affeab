package validation

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/devrev/pairdb/account-server/internal/errors"
	"github.com/devrev/pairdb/account-server/internal/model"
)

const (
	// AccountListingLimit is the largest page a GET may ask for
	AccountListingLimit = 10000

	// MaxContainerNameLength bounds container names in bytes
	MaxContainerNameLength = 256

	// Delimiters are a single character no larger than this code point
	maxDelimiterRune = 254

	// hashLength is the hex length of an account hash
	hashLength = 32
)

// ListingParams are the query parameters of an account listing
type ListingParams struct {
	Prefix    string
	Delimiter string
	Marker    string
	EndMarker string
	Limit     int
}

// Validator validates account server requests
type Validator struct {
	listingLimit           int
	maxContainerNameLength int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		listingLimit:           AccountListingLimit,
		maxContainerNameLength: MaxContainerNameLength,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(listingLimit, maxContainerNameLength int) *Validator {
	return &Validator{
		listingLimit:           listingLimit,
		maxContainerNameLength: maxContainerNameLength,
	}
}

// SplitPath splits a request path into between minSegs and maxSegs segments.
// The path must start with '/', the first minSegs segments must be non-empty
// and a single trailing slash is tolerated. Optional segments that are not
// present come back as empty strings.
func SplitPath(path string, minSegs, maxSegs int) ([]string, error) {
	if maxSegs == 0 {
		maxSegs = minSegs
	}
	if minSegs > maxSegs {
		return nil, fmt.Errorf("minSegs %d > maxSegs %d", minSegs, maxSegs)
	}

	segs := strings.SplitN(path, "/", maxSegs+2)
	count := len(segs)
	invalid := segs[0] != "" ||
		count < minSegs+1 ||
		count > maxSegs+2 ||
		(count == maxSegs+2 && segs[maxSegs+1] != "")
	if !invalid {
		for _, s := range segs[1 : minSegs+1] {
			if s == "" {
				invalid = true
				break
			}
		}
	}
	if invalid {
		return nil, fmt.Errorf("Invalid path: %s", quote(path))
	}

	out := make([]string, maxSegs)
	upper := count
	if upper > maxSegs+1 {
		upper = maxSegs + 1
	}
	copy(out, segs[1:upper])
	return out, nil
}

// ValidateDevicePartition rejects device and partition names that could
// escape the devices root
func ValidateDevicePartition(device, partition string) error {
	if !validPathComponent(device) {
		return fmt.Errorf("Invalid device: %s", quote(device))
	}
	if !validPathComponent(partition) {
		return fmt.Errorf("Invalid partition: %s", quote(partition))
	}
	return nil
}

func validPathComponent(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.Contains(s, "/")
}

// CheckUTF8 reports whether s is non-empty valid UTF-8 without NUL bytes
func CheckUTF8(s string) bool {
	return s != "" && utf8.ValidString(s) && !strings.Contains(s, "\x00")
}

// ParseTimestampHeader parses a required timestamp header value
func ParseTimestampHeader(value string) (model.Timestamp, error) {
	ts, err := model.ParseTimestamp(value)
	if err != nil {
		return 0, errors.MissingTimestamp(value)
	}
	return ts, nil
}

// ParseQuery decodes a raw query string. A pair that is not valid
// percent-encoding fails the whole query instead of being dropped.
func ParseQuery(rawQuery string) (url.Values, error) {
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, errors.InvalidArgument("parameters not utf8", err)
	}
	return query, nil
}

// QueryParam returns the first value of name, rejecting values that are not
// valid UTF-8
func QueryParam(query url.Values, name string) (string, error) {
	value := query.Get(name)
	if !utf8.ValidString(value) {
		return "", errors.InvalidArgument("parameters not utf8", nil).
			WithDetail("param", name)
	}
	return value, nil
}

// ParseListingParams reads prefix, delimiter, limit, marker and end_marker in
// that order so the first bad parameter decides the error
func (v *Validator) ParseListingParams(query url.Values) (ListingParams, error) {
	params := ListingParams{Limit: v.listingLimit}

	var err error
	if params.Prefix, err = QueryParam(query, "prefix"); err != nil {
		return params, err
	}
	if params.Delimiter, err = QueryParam(query, "delimiter"); err != nil {
		return params, err
	}
	if err := ValidateDelimiter(params.Delimiter); err != nil {
		return params, err
	}

	givenLimit, err := QueryParam(query, "limit")
	if err != nil {
		return params, err
	}
	if isDigits(givenLimit) {
		limit, convErr := strconv.Atoi(givenLimit)
		if convErr != nil || limit > v.listingLimit {
			return params, errors.PreconditionFailed(fmt.Sprintf("Maximum limit is %d", v.listingLimit))
		}
		params.Limit = limit
	}

	if params.Marker, err = QueryParam(query, "marker"); err != nil {
		return params, err
	}
	if params.EndMarker, err = QueryParam(query, "end_marker"); err != nil {
		return params, err
	}
	return params, nil
}

// ValidateDelimiter allows an empty delimiter or a single character up to
// code point 254
func ValidateDelimiter(delimiter string) error {
	if delimiter == "" {
		return nil
	}
	r, _ := utf8.DecodeRuneInString(delimiter)
	if utf8.RuneCountInString(delimiter) > 1 || r > maxDelimiterRune {
		return errors.PreconditionFailed("Bad delimiter").
			WithDetail("delimiter", delimiter)
	}
	return nil
}

// ValidateContainerName checks a container name taken from the path
func (v *Validator) ValidateContainerName(name string) error {
	if name == "" {
		return errors.InvalidArgument("container name cannot be empty", nil)
	}
	if len(name) > v.maxContainerNameLength {
		return errors.InvalidArgument(
			fmt.Sprintf("Container name length of %d longer than %d", len(name), v.maxContainerNameLength),
			nil,
		).WithDetail("container", name)
	}
	return nil
}

// ValidateDeviceName reports whether a device name survives query escaping
// unchanged, which keeps it to letters, digits and a few safe symbols
func ValidateDeviceName(device string) bool {
	return device != "" && url.QueryEscape(device) == device && validPathComponent(device)
}

// ValidateHash checks a REPLICATE path segment is an account hash: 32
// lowercase hex digits
func ValidateHash(hash string) error {
	valid := len(hash) == hashLength
	for i := 0; valid && i < len(hash); i++ {
		c := hash[i]
		valid = (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
	}
	if !valid {
		return errors.InvalidArgument(fmt.Sprintf("Invalid hash: %s", quote(hash)), nil)
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func quote(s string) string {
	return (&url.URL{Path: s}).EscapedPath()
}
