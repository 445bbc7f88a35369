// Package tags encodes the metadata records the agent stores as LVM tags
// on volume groups and logical volumes.
//
// A tag is laid out as
//
//	zs::sharedblock::<kind>::<hostUuid>::<unix-time>[::<hostname>][::v<N>]
//
// which is the format existing pools already carry. The version suffix is
// only written for records newer than version 1.
package tags

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Namespace prefixes every tag the agent owns.
const Namespace = "zs::sharedblock"

// CurrentVersion is the record version written by Encode.
const CurrentVersion = 1

const sep = "::"

// Kind identifies what a tag records.
type Kind string

const (
	// Init marks a volume group created by the pool protocol.
	Init Kind = "init"
	// Heartbeat records the last successful connect of a host.
	Heartbeat Kind = "heartbeat"
	// Volume marks a logical volume owned by a VM disk or snapshot.
	Volume Kind = "volume"
	// Image marks a logical volume holding an image cache or template.
	Image Kind = "image"
)

// Marker returns the tag prefix for kind.
func (k Kind) Marker() string {
	return Namespace + sep + string(k)
}

// ErrMalformed is returned by Decode for tags outside the namespace or with a bad layout.
var ErrMalformed = errors.New("malformed tag")

// Record is the decoded form of a tag.
type Record struct {
	Kind     Kind
	Version  int
	HostUUID string
	Time     time.Time
	Hostname string
}

// New builds a current-version record.
func New(kind Kind, hostUUID string, now time.Time, hostname string) Record {
	return Record{Kind: kind, Version: CurrentVersion, HostUUID: hostUUID, Time: now, Hostname: hostname}
}

// Encode renders r as a tag string.
func Encode(r Record) string {
	parts := []string{r.Kind.Marker(), r.HostUUID, formatTime(r.Time)}
	if r.Hostname != "" {
		parts = append(parts, sanitize(r.Hostname))
	}
	if r.Version > 1 {
		parts = append(parts, "v"+strconv.Itoa(r.Version))
	}
	return strings.Join(parts, sep)
}

// String implements fmt.Stringer.
func (r Record) String() string {
	return Encode(r)
}

// Decode parses a tag written by Encode or by older agents.
func Decode(tag string) (Record, error) {
	if !strings.HasPrefix(tag, Namespace+sep) {
		return Record{}, fmt.Errorf("%w: %q", ErrMalformed, tag)
	}
	fields := strings.Split(strings.TrimPrefix(tag, Namespace+sep), sep)
	r := Record{Kind: Kind(fields[0]), Version: 1}
	rest := fields[1:]

	if n := len(rest); n > 0 && isVersion(rest[n-1]) {
		v, _ := strconv.Atoi(rest[n-1][1:])
		r.Version = v
		rest = rest[:n-1]
	}
	if len(rest) > 0 {
		r.HostUUID = rest[0]
	}
	if len(rest) > 1 {
		ts, err := parseTime(rest[1])
		if err != nil {
			return Record{}, fmt.Errorf("%w: %q: %v", ErrMalformed, tag, err)
		}
		r.Time = ts
	}
	if len(rest) > 2 {
		r.Hostname = strings.Join(rest[2:], sep)
	}
	return r, nil
}

// Match reports whether tag is a record of kind written by hostUUID.
func Match(tag string, kind Kind, hostUUID string) bool {
	r, err := Decode(tag)
	if err != nil {
		return false
	}
	return r.Kind == kind && r.HostUUID == hostUUID
}

// HasKind reports whether any tag is a record of kind.
func HasKind(tags []string, kind Kind) bool {
	return len(OfKind(tags, kind)) > 0
}

// OfKind returns the tags that are records of kind.
func OfKind(tags []string, kind Kind) []string {
	return lo.Filter(tags, func(t string, _ int) bool {
		return t == kind.Marker() || strings.HasPrefix(t, kind.Marker()+sep)
	})
}

func isVersion(s string) bool {
	if len(s) < 2 || s[0] != 'v' {
		return false
	}
	_, err := strconv.Atoi(s[1:])
	return err == nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', -1, 64)
}

func parseTime(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	if f == 0 {
		return time.Time{}, nil
	}
	return time.UnixMicro(int64(f * 1e6)), nil
}

// sanitize keeps a hostname within the LVM tag alphabet.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case strings.ContainsRune("_+.-/=!&#", r):
			return r
		default:
			return '_'
		}
	}, s)
}
