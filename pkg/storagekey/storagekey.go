// Package storagekey parses and builds object-store keys for equipment images.
//
// Keys encode kind, owner and (for raw uploads) date:
//
//	private/uploads/<gymId>/<yyyy>/<mm>/<uuid-v4>.<ext>
//	private/gym/<gymId>/candidates/<name>.<ext>
//	private/gym/<gymId>/quarantine/<name>.<ext>
//	private/global/staging/<equipmentId>/<name>.<ext>
//	public/golden/<equipmentId>/<name>.<ext>
package storagekey

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrInvalidKey = errors.New("invalid storage key")

type Kind string

const (
	KindUpload     Kind = "upload"
	KindCandidate  Kind = "candidate"
	KindQuarantine Kind = "quarantine"
	KindStaging    Kind = "staging"
	KindGolden     Kind = "golden"
)

var allowedExt = map[string]bool{"jpg": true, "png": true, "webp": true}

var (
	reOwner  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)
	reName   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)
	reUUIDv4 = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	reYear   = regexp.MustCompile(`^\d{4}$`)
	reMonth  = regexp.MustCompile(`^\d{2}$`)
	reSHA256 = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Key is a parsed storage key.
type Key struct {
	Kind  Kind
	Owner string // gym id or equipment id depending on Kind
	Year  int
	Month int
	Name  string // file name without extension
	Ext   string
	raw   string
}

func (k Key) String() string { return k.raw }

// FileName returns "<name>.<ext>".
func (k Key) FileName() string { return k.Name + "." + k.Ext }

// Parse validates s against the key scheme.
func Parse(s string) (Key, error) {
	parts := strings.Split(s, "/")
	fail := func(reason string) (Key, error) {
		return Key{}, fmt.Errorf("%w %q: %s", ErrInvalidKey, s, reason)
	}

	switch {
	case len(parts) == 6 && parts[0] == "private" && parts[1] == "uploads":
		if !reOwner.MatchString(parts[2]) {
			return fail("bad gym id")
		}
		if !reYear.MatchString(parts[3]) {
			return fail("bad year")
		}
		if !reMonth.MatchString(parts[4]) {
			return fail("bad month")
		}
		year, _ := strconv.Atoi(parts[3])
		month, _ := strconv.Atoi(parts[4])
		if month < 1 || month > 12 {
			return fail("month out of range")
		}
		name, ext, err := splitFile(parts[5])
		if err != nil {
			return fail(err.Error())
		}
		if !reUUIDv4.MatchString(name) {
			return fail("file name must be a lowercase uuid v4")
		}
		return Key{Kind: KindUpload, Owner: parts[2], Year: year, Month: month, Name: name, Ext: ext, raw: s}, nil

	case len(parts) == 5 && parts[0] == "private" && parts[1] == "gym":
		var kind Kind
		switch parts[3] {
		case "candidates":
			kind = KindCandidate
		case "quarantine":
			kind = KindQuarantine
		default:
			return fail("unknown gym folder")
		}
		return ownedFile(s, kind, parts[2], parts[4])

	case len(parts) == 5 && parts[0] == "private" && parts[1] == "global" && parts[2] == "staging":
		return ownedFile(s, KindStaging, parts[3], parts[4])

	case len(parts) == 4 && parts[0] == "public" && parts[1] == "golden":
		return ownedFile(s, KindGolden, parts[2], parts[3])
	}
	return fail("unrecognized layout")
}

func ownedFile(raw string, kind Kind, owner, file string) (Key, error) {
	if !reOwner.MatchString(owner) {
		return Key{}, fmt.Errorf("%w %q: bad owner id", ErrInvalidKey, raw)
	}
	name, ext, err := splitFile(file)
	if err != nil {
		return Key{}, fmt.Errorf("%w %q: %s", ErrInvalidKey, raw, err)
	}
	return Key{Kind: kind, Owner: owner, Name: name, Ext: ext, raw: raw}, nil
}

func splitFile(file string) (string, string, error) {
	dot := strings.LastIndexByte(file, '.')
	if dot <= 0 || dot == len(file)-1 {
		return "", "", errors.New("missing extension")
	}
	name, ext := file[:dot], file[dot+1:]
	if !allowedExt[ext] {
		return "", "", fmt.Errorf("extension %q not allowed", ext)
	}
	if !reName.MatchString(name) {
		return "", "", errors.New("bad file name")
	}
	return name, ext, nil
}

// IsCandidateSource reports whether a HASH job on this key should move the
// object into its content-addressed candidate path. Raw uploads always move;
// candidate keys move unless they are already named by their hash.
func IsCandidateSource(k Key) bool {
	switch k.Kind {
	case KindUpload:
		return true
	case KindCandidate:
		return !reSHA256.MatchString(k.Name)
	default:
		return false
	}
}

// Candidate builds private/gym/<gymId>/candidates/<sha>.<ext>.
func Candidate(gymID, sha, ext string) string {
	return fmt.Sprintf("private/gym/%s/candidates/%s.%s", gymID, sha, ext)
}

// Quarantine builds private/gym/<gymId>/quarantine/<name>.<ext>.
func Quarantine(gymID, name, ext string) string {
	return fmt.Sprintf("private/gym/%s/quarantine/%s.%s", gymID, name, ext)
}

// Staging builds private/global/staging/<equipmentId>/<sha>.<ext>.
func Staging(equipmentID, sha, ext string) string {
	return fmt.Sprintf("private/global/staging/%s/%s.%s", equipmentID, sha, ext)
}

// Golden builds public/golden/<equipmentId>/<sha>.<ext>.
func Golden(equipmentID, sha, ext string) string {
	return fmt.Sprintf("public/golden/%s/%s.%s", equipmentID, sha, ext)
}

// QuarantineFor returns the quarantine key for an object currently at k.
// Only gym-owned keys (uploads and candidates) can be quarantined.
func QuarantineFor(k Key) (string, bool) {
	switch k.Kind {
	case KindUpload, KindCandidate:
		return Quarantine(k.Owner, k.Name, k.Ext), true
	case KindQuarantine:
		return k.raw, true
	default:
		return "", false
	}
}

// ContentType maps an allowed extension to its MIME type.
func ContentType(ext string) string {
	switch ext {
	case "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return ""
	}
}
