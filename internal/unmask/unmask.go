// Package unmask decodes masked configuration strings.
//
// Two prefixes are recognized:
//
//	ENC:<ciphertext>  decrypted with the configured Decryptor
//	B64<payload>      base64-decoded, must be UTF-8 text (no colon after B64)
//
// Anything else is returned unchanged: the absence of a prefix means "not
// masked", never an error.
package unmask

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"api-replay/internal/common/errors"
	"api-replay/internal/common/logging"
)

const (
	// EncryptedPrefix marks a value decrypted through the Decryptor
	EncryptedPrefix = "ENC:"
	// Base64Prefix marks a base64-encoded value
	Base64Prefix = "B64"
)

// Decryptor is the reversible decryption primitive behind ENC: values.
// crypto.ConfigEncryptor satisfies it.
type Decryptor interface {
	Decrypt(ciphertext string) (string, error)
}

// Encryptor is the inverse of Decryptor, used only to produce masked values
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
}

// Unmasker decodes masked strings. The zero value decodes B64 values only.
type Unmasker struct {
	decryptor Decryptor
	strict    bool
	logger    logging.Logger
}

// Option configures an Unmasker
type Option func(*Unmasker)

// WithDecryptor sets the primitive used for ENC: values
func WithDecryptor(d Decryptor) Option {
	return func(u *Unmasker) {
		u.decryptor = d
	}
}

// WithStrict makes decode failures surface as UnmaskError instead of an
// empty value
func WithStrict(strict bool) Option {
	return func(u *Unmasker) {
		u.strict = strict
	}
}

// WithLogger sets the logger failures are reported to
func WithLogger(logger logging.Logger) Option {
	return func(u *Unmasker) {
		u.logger = logger
	}
}

// New creates an Unmasker
func New(opts ...Option) *Unmasker {
	u := &Unmasker{}
	for _, opt := range opts {
		opt(u)
	}
	if u.logger == nil {
		u.logger = logging.GetGlobalLogger()
	}
	return u
}

// Unmask decodes text when it carries a recognized prefix.
//
// In the default fail-open mode a decode failure is logged and yields an empty
// string with a nil error; in strict mode it is returned as an UnmaskError.
func (u *Unmasker) Unmask(text string) (string, error) {
	var (
		plain string
		err   error
	)

	switch {
	case strings.HasPrefix(text, EncryptedPrefix):
		plain, err = u.decrypt(strings.TrimPrefix(text, EncryptedPrefix))
	case strings.HasPrefix(text, Base64Prefix):
		plain, err = decodeBase64(strings.TrimPrefix(text, Base64Prefix))
	default:
		return text, nil
	}

	if err == nil {
		return plain, nil
	}

	unmaskErr := errors.UnmaskError("failed to unmask value", err)
	if u.strict {
		return "", unmaskErr
	}
	u.logger.Error("Failed to unmask value, continuing with empty value", unmaskErr,
		logging.String("prefix", prefixOf(text)))
	return "", nil
}

// UnmaskValue applies Unmask to strings and returns every other value unchanged
func (u *Unmasker) UnmaskValue(v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	return u.Unmask(s)
}

// DeepUnmask applies Unmask to every string leaf of a nested structure.
// Maps and slices are copied, the input is never modified.
func (u *Unmasker) DeepUnmask(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return u.Unmask(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			unmasked, err := u.DeepUnmask(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = unmasked
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			unmasked, err := u.DeepUnmask(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = unmasked
		}
		return out, nil
	default:
		return v, nil
	}
}

func (u *Unmasker) decrypt(ciphertext string) (string, error) {
	if u.decryptor == nil {
		return "", fmt.Errorf("no decryption key configured for %s values", EncryptedPrefix)
	}
	return u.decryptor.Decrypt(ciphertext)
}

func decodeBase64(payload string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(decoded) {
		return "", fmt.Errorf("decoded %s value is not valid UTF-8", Base64Prefix)
	}
	return string(decoded), nil
}

func prefixOf(text string) string {
	if strings.HasPrefix(text, EncryptedPrefix) {
		return EncryptedPrefix
	}
	return Base64Prefix
}

// Kind selects the masking scheme used by Mask
type Kind string

const (
	KindEncrypted Kind = "enc"
	KindBase64    Kind = "b64"
)

// Mask produces a masked value that Unmask turns back into plain
func Mask(plain string, kind Kind, enc Encryptor) (string, error) {
	switch kind {
	case KindBase64:
		return Base64Prefix + base64.StdEncoding.EncodeToString([]byte(plain)), nil
	case KindEncrypted:
		if enc == nil {
			return "", errors.ConfigurationError("an encryption key is required to produce ENC: values")
		}
		ciphertext, err := enc.Encrypt(plain)
		if err != nil {
			return "", err
		}
		return EncryptedPrefix + ciphertext, nil
	default:
		return "", errors.ValidationError(fmt.Sprintf("unknown mask kind %q", kind))
	}
}
