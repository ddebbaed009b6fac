// Package address parses and formats the canonical reference forms used by
// the storage layer:
//
//	b://<id>                          content record
//	bcat://<id>                       chunk manifest
//	D://<owner>/<key>                 mutable reference (key may contain "/")
//	https://<cdn-host>/<id>[.<ext>]   CDN edge
//	https://<explorer-host>/tx/<id>   block explorer
//
// A bare 64 character hex id is also accepted. Every form round-trips
// through Parse and String.
package address

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/agenthands/chainstore/pkg/core"
)

type Kind int

const (
	KindBare Kind = iota
	KindContent
	KindManifest
	KindMutable
	KindCDN
	KindExplorer
)

func (k Kind) String() string {
	switch k {
	case KindBare:
		return "bare"
	case KindContent:
		return "b"
	case KindManifest:
		return "bcat"
	case KindMutable:
		return "D"
	case KindCDN:
		return "cdn"
	case KindExplorer:
		return "explorer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const (
	schemeContent  = "b://"
	schemeManifest = "bcat://"
	schemeMutable  = "D://"
)

// Address is a parsed reference. ID is set for every kind except
// KindMutable, which carries Owner and Key instead.
type Address struct {
	Kind   Kind
	ID     core.RecordID
	Owner  string
	Key    string
	Scheme string // http or https, for CDN and explorer forms
	Host   string
	Ext    string
}

func Content(id core.RecordID) Address  { return Address{Kind: KindContent, ID: id} }
func Manifest(id core.RecordID) Address { return Address{Kind: KindManifest, ID: id} }

func Mutable(owner, key string) Address {
	return Address{Kind: KindMutable, Owner: owner, Key: strings.TrimPrefix(key, "/")}
}

func CDN(host string, id core.RecordID, ext string) Address {
	return Address{Kind: KindCDN, ID: id, Scheme: "https", Host: host, Ext: ext}
}

func Explorer(host string, id core.RecordID) Address {
	return Address{Kind: KindExplorer, ID: id, Scheme: "https", Host: host}
}

func (a Address) String() string {
	switch a.Kind {
	case KindContent:
		return schemeContent + a.ID.String()
	case KindManifest:
		return schemeManifest + a.ID.String()
	case KindMutable:
		return schemeMutable + a.Owner + "/" + a.Key
	case KindCDN:
		s := a.scheme() + "://" + a.Host + "/" + a.ID.String()
		if a.Ext != "" {
			s += "." + a.Ext
		}
		return s
	case KindExplorer:
		return a.scheme() + "://" + a.Host + "/tx/" + a.ID.String()
	default:
		return a.ID.String()
	}
}

func (a Address) scheme() string {
	if a.Scheme == "" {
		return "https"
	}
	return a.Scheme
}

// RecordID returns the record identifier an address points at. Mutable
// references have none and fail with ErrInvalidAddress.
func (a Address) RecordID() (core.RecordID, error) {
	if a.Kind == KindMutable {
		return core.RecordID{}, fmt.Errorf("%w: %s is a mutable reference", core.ErrInvalidAddress, a)
	}
	return a.ID, nil
}

// Parse parses any canonical reference form.
func Parse(s string) (Address, error) {
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty reference", core.ErrInvalidAddress)
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return Address{}, fmt.Errorf("%w: reference %q contains whitespace", core.ErrInvalidAddress, s)
	}

	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, schemeManifest):
		id, err := core.ParseRecordID(s[len(schemeManifest):])
		if err != nil {
			return Address{}, err
		}
		return Manifest(id), nil
	case strings.HasPrefix(lower, schemeContent):
		id, err := core.ParseRecordID(s[len(schemeContent):])
		if err != nil {
			return Address{}, err
		}
		return Content(id), nil
	case strings.HasPrefix(lower, "d://"):
		return parseMutable(s)
	case strings.HasPrefix(lower, "https://"), strings.HasPrefix(lower, "http://"):
		return parseURL(s)
	}

	id, err := core.ParseRecordID(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: unrecognised reference %q", core.ErrInvalidAddress, s)
	}
	return Address{Kind: KindBare, ID: id}, nil
}

// ParseMutable parses a D:// reference and rejects every other form.
func ParseMutable(s string) (owner, key string, err error) {
	a, err := Parse(s)
	if err != nil {
		return "", "", err
	}
	if a.Kind != KindMutable {
		return "", "", fmt.Errorf("%w: %q is not a D:// reference", core.ErrInvalidAddress, s)
	}
	return a.Owner, a.Key, nil
}

// Normalize reduces any record-bearing reference to its bare record id.
func Normalize(s string) (core.RecordID, error) {
	a, err := Parse(s)
	if err != nil {
		return core.RecordID{}, err
	}
	return a.RecordID()
}

func parseMutable(s string) (Address, error) {
	rest := s[len(schemeMutable):]
	slash := strings.IndexByte(rest, '/')
	if slash <= 0 {
		return Address{}, fmt.Errorf("%w: %q must be D://<owner>/<key>", core.ErrInvalidAddress, s)
	}
	owner, key := rest[:slash], rest[slash+1:]
	if err := ValidateOwner(owner); err != nil {
		return Address{}, err
	}
	if err := ValidateKey(key); err != nil {
		return Address{}, err
	}
	return Address{Kind: KindMutable, Owner: owner, Key: key}, nil
}

// ValidateOwner rejects owners that cannot be embedded in a D:// reference.
func ValidateOwner(owner string) error {
	if owner == "" {
		return fmt.Errorf("%w: empty owner", core.ErrInvalidAddress)
	}
	if strings.ContainsAny(owner, "/\x00") {
		return fmt.Errorf("%w: owner %q contains a reserved character", core.ErrInvalidAddress, owner)
	}
	return nil
}

// ValidateKey rejects keys that would not round-trip. Keys may contain "/"
// but must not be empty, start with "/" or contain NUL.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", core.ErrInvalidAddress)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: key %q starts with a separator", core.ErrInvalidAddress, key)
	}
	if strings.IndexByte(key, 0) >= 0 {
		return fmt.Errorf("%w: key contains NUL", core.ErrInvalidAddress)
	}
	return nil
}

func parseURL(s string) (Address, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", core.ErrInvalidAddress, err)
	}
	if u.Host == "" || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return Address{}, fmt.Errorf("%w: unsupported URL %q", core.ErrInvalidAddress, s)
	}
	scheme := strings.ToLower(u.Scheme)

	if rest, ok := strings.CutPrefix(u.Path, "/tx/"); ok {
		id, err := core.ParseRecordID(rest)
		if err != nil {
			return Address{}, err
		}
		return Address{Kind: KindExplorer, ID: id, Scheme: scheme, Host: u.Host}, nil
	}

	seg := strings.TrimPrefix(u.Path, "/")
	if strings.Contains(seg, "/") {
		return Address{}, fmt.Errorf("%w: unsupported URL path %q", core.ErrInvalidAddress, u.Path)
	}
	idPart, ext, hasExt := strings.Cut(seg, ".")
	if hasExt && !validExt(ext) {
		return Address{}, fmt.Errorf("%w: bad extension %q", core.ErrInvalidAddress, ext)
	}
	id, err := core.ParseRecordID(idPart)
	if err != nil {
		return Address{}, err
	}
	return Address{Kind: KindCDN, ID: id, Scheme: scheme, Host: u.Host, Ext: ext}, nil
}

func validExt(ext string) bool {
	if ext == "" || len(ext) > 16 {
		return false
	}
	for _, r := range ext {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
