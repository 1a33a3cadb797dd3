package matches

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// Scheme is the URI scheme of a match address.
const Scheme = "match"

const (
	paramScheme     = "scheme"
	paramMatchID    = "matchId"
	paramGeneration = "gen"
)

// FileID identifies a file by URI, e.g. "file:///src/main.go".
type FileID string

// FileIDFromPath returns the file URI for an absolute path.
func FileIDFromPath(path string) FileID {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return FileID(u.String())
}

// Path returns the filesystem path of a file URI.
func (f FileID) Path() (string, error) {
	u, err := url.Parse(string(f))
	if err != nil {
		return "", fmt.Errorf("parsing file id %q: %w", f, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("file id %q is not a file uri", f)
	}
	return filepath.FromSlash(u.Path), nil
}

func (f FileID) String() string { return string(f) }

// Address points at one match: a file, the match's position in the order it
// was discovered, and the registry generation it was issued from.
type Address struct {
	File       FileID
	Index      int
	Generation uint64
}

// String encodes the address as a match URI. The file's own scheme, query
// and fragment are preserved so ParseAddress can rebuild the exact FileID.
func (a Address) String() string {
	u, err := url.Parse(string(a.File))
	if err != nil {
		u = &url.URL{Path: string(a.File)}
	}
	fileScheme := u.Scheme
	u.Scheme = Scheme

	tail := paramScheme + "=" + url.QueryEscape(fileScheme) +
		"&" + paramMatchID + "=" + strconv.Itoa(a.Index) +
		"&" + paramGeneration + "=" + strconv.FormatUint(a.Generation, 10)

	if u.RawQuery != "" {
		u.RawQuery += "&" + tail
	} else {
		u.RawQuery = tail
	}
	return u.String()
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress decodes a match URI produced by Address.String.
func ParseAddress(raw string) (Address, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Address{}, fmt.Errorf("invalid match address %q: %w", raw, err)
	}
	if u.Scheme != Scheme {
		return Address{}, fmt.Errorf("invalid match address %q: scheme must be %q", raw, Scheme)
	}

	// The address parameters are appended last; scan from the end so a file
	// query that reuses one of the keys survives.
	parts := strings.Split(u.RawQuery, "&")
	var kept []string
	var fileScheme, matchID, gen string
	var haveScheme, haveID, haveGen bool
	for i := len(parts) - 1; i >= 0; i-- {
		part := parts[i]
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		switch {
		case key == paramScheme && !haveScheme:
			fileScheme, err = url.QueryUnescape(value)
			if err != nil {
				return Address{}, fmt.Errorf("invalid match address %q: %w", raw, err)
			}
			haveScheme = true
		case key == paramMatchID && !haveID:
			matchID, haveID = value, true
		case key == paramGeneration && !haveGen:
			gen, haveGen = value, true
		default:
			kept = append([]string{part}, kept...)
		}
	}
	if !haveScheme || !haveID || !haveGen {
		return Address{}, fmt.Errorf("invalid match address %q: missing %s, %s or %s", raw, paramScheme, paramMatchID, paramGeneration)
	}

	index, err := strconv.Atoi(matchID)
	if err != nil || index < 0 {
		return Address{}, fmt.Errorf("invalid match address %q: bad %s %q", raw, paramMatchID, matchID)
	}
	// generation 0 is the registry before its first load
	generation, err := strconv.ParseUint(gen, 10, 64)
	if err != nil || generation == 0 {
		return Address{}, fmt.Errorf("invalid match address %q: bad %s %q", raw, paramGeneration, gen)
	}

	u.Scheme = fileScheme
	u.RawQuery = strings.Join(kept, "&")
	u.ForceQuery = false

	return Address{File: FileID(u.String()), Index: index, Generation: generation}, nil
}
