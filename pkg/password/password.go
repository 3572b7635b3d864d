// Package password implements the tagged password-hash values stored
// in user records. The storage form is "{scheme}payload"; the scheme
// travels with the hash so databases can migrate between schemes one
// verify at a time.
package password

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Scheme names a hash algorithm recognised in stored values.
type Scheme string

const (
	SchemePBKDF2    Scheme = "PBKDF2"
	SchemeSHA       Scheme = "SHA"
	SchemeMD5       Scheme = "MD5"
	SchemeCrypt     Scheme = "crypt"
	SchemePlaintext Scheme = "plaintext"
)

// DefaultRounds is the PBKDF2 work factor used when the tracker
// config does not set one.
const DefaultRounds = 2000000

// MinRounds guards against nonsense configuration.
const MinRounds = 1000

var knownSchemes = map[Scheme]bool{
	SchemePBKDF2:    true,
	SchemeSHA:       true,
	SchemeMD5:       true,
	SchemeCrypt:     true,
	SchemePlaintext: true,
}

// ValueError reports an invalid raw password value.
type ValueError struct {
	Msg string
}

func (e *ValueError) Error() string { return e.Msg }

// Password is a scheme-tagged hash.
type Password struct {
	Scheme Scheme
	Hash   string
}

var schemeRE = regexp.MustCompile(`^\{(\w+)\}(.*)$`)

// New hashes plaintext under the given scheme.
func New(plaintext string, scheme Scheme, rounds int) (*Password, error) {
	hash, err := encode(plaintext, scheme, rounds, "")
	if err != nil {
		return nil, err
	}
	return &Password{Scheme: scheme, Hash: hash}, nil
}

// Parse accepts either a "{scheme}hash" value, which is stored
// verbatim (this is how foreign databases migrate in), or a plaintext
// value, which is hashed under defaultScheme.
func Parse(raw string, defaultScheme Scheme, rounds int) (*Password, error) {
	if m := schemeRE.FindStringSubmatch(raw); m != nil {
		scheme := Scheme(m[1])
		if !knownSchemes[scheme] {
			return nil, &ValueError{Msg: fmt.Sprintf("unknown encryption scheme %q", m[1])}
		}
		return &Password{Scheme: scheme, Hash: m[2]}, nil
	}
	return New(raw, defaultScheme, rounds)
}

// FromStored parses the "{scheme}hash" storage form.
func FromStored(stored string) (*Password, error) {
	m := schemeRE.FindStringSubmatch(stored)
	if m == nil {
		return nil, &ValueError{Msg: "stored password has no scheme tag"}
	}
	scheme := Scheme(m[1])
	if !knownSchemes[scheme] {
		return nil, &ValueError{Msg: fmt.Sprintf("unknown encryption scheme %q", m[1])}
	}
	return &Password{Scheme: scheme, Hash: m[2]}, nil
}

// String renders the storage form.
func (p *Password) String() string {
	return fmt.Sprintf("{%s}%s", p.Scheme, p.Hash)
}

// Verify re-hashes candidate under the stored scheme and compares.
func (p *Password) Verify(candidate string) bool {
	switch p.Scheme {
	case SchemePBKDF2:
		rounds, _, rawSalt, digest, err := unpackPBKDF2(p.Hash)
		if err != nil {
			return false
		}
		want, err := h64decode(digest)
		if err != nil {
			return false
		}
		got := pbkdf2.Key([]byte(candidate), rawSalt, rounds, len(want), sha1.New)
		return subtle.ConstantTimeCompare(got, want) == 1
	case SchemeSHA:
		sum := sha1.Sum([]byte(candidate))
		return subtle.ConstantTimeCompare([]byte(fmt.Sprintf("%x", sum)), []byte(p.Hash)) == 1
	case SchemeMD5:
		sum := md5.Sum([]byte(candidate))
		return subtle.ConstantTimeCompare([]byte(fmt.Sprintf("%x", sum)), []byte(p.Hash)) == 1
	case SchemePlaintext:
		return subtle.ConstantTimeCompare([]byte(candidate), []byte(p.Hash)) == 1
	}
	// crypt(3) hashes are recognised for storage but cannot be
	// verified here; they migrate by password reset.
	return false
}

// Equal reports whether two stored values are identical.
func (p *Password) Equal(other *Password) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.Scheme == other.Scheme && p.Hash == other.Hash
}

// NeedsMigration reports whether a successful verify should re-hash
// the value under the configured scheme and rounds.
func (p *Password) NeedsMigration(defaultScheme Scheme, rounds int) bool {
	if p.Scheme != defaultScheme {
		return true
	}
	if p.Scheme == SchemePBKDF2 {
		r, _, _, _, err := unpackPBKDF2(p.Hash)
		if err != nil {
			return true
		}
		return r < rounds
	}
	return false
}

func encode(plaintext string, scheme Scheme, rounds int, saltOverride string) (string, error) {
	switch scheme {
	case SchemePBKDF2:
		if rounds == 0 {
			rounds = DefaultRounds
		}
		if rounds < MinRounds {
			return "", &ValueError{Msg: "invalid PBKDF2 hash (rounds too low)"}
		}
		rawSalt := make([]byte, 20)
		if saltOverride != "" {
			var err error
			rawSalt, err = h64decode(saltOverride)
			if err != nil {
				return "", err
			}
		} else if _, err := rand.Read(rawSalt); err != nil {
			return "", fmt.Errorf("generating salt: %w", err)
		}
		digest := pbkdf2.Key([]byte(plaintext), rawSalt, rounds, 20, sha1.New)
		return fmt.Sprintf("%d$%s$%s", rounds, h64encode(rawSalt), h64encode(digest)), nil
	case SchemeSHA:
		return fmt.Sprintf("%x", sha1.Sum([]byte(plaintext))), nil
	case SchemeMD5:
		return fmt.Sprintf("%x", md5.Sum([]byte(plaintext))), nil
	case SchemePlaintext:
		return plaintext, nil
	case SchemeCrypt:
		return "", &ValueError{Msg: "crypt scheme is read-only on this platform"}
	}
	return "", &ValueError{Msg: fmt.Sprintf("unknown encryption scheme %q", scheme)}
}

// unpackPBKDF2 splits the rounds$salt$digest payload.
func unpackPBKDF2(payload string) (rounds int, salt string, rawSalt []byte, digest string, err error) {
	parts := strings.Split(payload, "$")
	if len(parts) != 3 {
		return 0, "", nil, "", &ValueError{Msg: "invalid PBKDF2 hash (wrong number of separators)"}
	}
	if strings.HasPrefix(parts[0], "0") {
		return 0, "", nil, "", &ValueError{Msg: "invalid PBKDF2 hash (zero-padded rounds)"}
	}
	rounds, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", nil, "", &ValueError{Msg: "invalid PBKDF2 hash (invalid rounds)"}
	}
	rawSalt, err = h64decode(parts[1])
	if err != nil {
		return 0, "", nil, "", err
	}
	return rounds, parts[1], rawSalt, parts[2], nil
}

// h64 is the crypt-compatible base64 variant with "./" in place of
// "+/" and padding stripped, chosen to minimise encoded size.
var h64 = base64.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789./").WithPadding(base64.NoPadding)

func h64encode(data []byte) string {
	return h64.EncodeToString(data)
}

func h64decode(data string) ([]byte, error) {
	out, err := h64.DecodeString(data)
	if err != nil {
		return nil, &ValueError{Msg: "invalid base64 input"}
	}
	return out, nil
}

// Generate produces a random password of the given length for
// one-time registrations.
func Generate(length int) (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = chars[int(b)%len(chars)]
	}
	return string(buf), nil
}
