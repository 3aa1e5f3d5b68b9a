// Package channel parses resource addresses of the form
//
//	termbus:ipc[?key=value|key=value]
//	termbus:udp?endpoint=host:port[|key=value]
//
// Only the parameters that size the log or change its teardown are interpreted here;
// everything else is carried through untouched.
package channel

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	Prefix = "termbus:"

	IPC = Prefix + "ipc"

	ParamEndpoint   = "endpoint"
	ParamTermLength = "term-length"
	ParamLinger     = "linger"
	ParamMTU        = "mtu"
	ParamSessionID  = "session-id"
	ParamAlias      = "alias"
)

type Media string

const (
	MediaIPC Media = "ipc"
	MediaUDP Media = "udp"
)

var (
	ErrInvalidURI   = errors.New("channel: invalid uri")
	ErrInvalidParam = errors.New("channel: invalid parameter")
)

// URI is one parsed channel address.
type URI struct {
	Media  Media
	params map[string]string
	keys   []string
}

// Parse validates raw and returns its parsed form.
func Parse(raw string) (URI, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, Prefix) {
		return URI{}, fmt.Errorf("%w: missing %q prefix: %q", ErrInvalidURI, Prefix, raw)
	}
	rest := raw[len(Prefix):]
	mediaPart, query, hasQuery := strings.Cut(rest, "?")

	u := URI{Media: Media(mediaPart), params: make(map[string]string)}
	switch u.Media {
	case MediaIPC, MediaUDP:
	default:
		return URI{}, fmt.Errorf("%w: unknown media %q", ErrInvalidURI, mediaPart)
	}

	if hasQuery {
		if query == "" {
			return URI{}, fmt.Errorf("%w: empty parameter list", ErrInvalidURI)
		}
		for _, pair := range strings.Split(query, "|") {
			key, value, ok := strings.Cut(pair, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				return URI{}, fmt.Errorf("%w: malformed parameter %q", ErrInvalidURI, pair)
			}
			if _, dup := u.params[key]; dup {
				return URI{}, fmt.Errorf("%w: duplicate parameter %q", ErrInvalidURI, key)
			}
			u.params[key] = strings.TrimSpace(value)
			u.keys = append(u.keys, key)
		}
	}

	if u.Media == MediaUDP {
		endpoint := u.params[ParamEndpoint]
		if endpoint == "" {
			return URI{}, fmt.Errorf("%w: udp channel requires %s", ErrInvalidURI, ParamEndpoint)
		}
		if _, _, err := net.SplitHostPort(endpoint); err != nil {
			return URI{}, fmt.Errorf("%w: endpoint %q: %v", ErrInvalidURI, endpoint, err)
		}
	}
	return u, nil
}

// Get returns the raw value of a parameter.
func (u URI) Get(key string) (string, bool) {
	v, ok := u.params[key]
	return v, ok
}

func (u URI) Endpoint() string {
	return u.params[ParamEndpoint]
}

// MatchKey identifies the transport a publication and subscription must share to connect.
func (u URI) MatchKey() string {
	if u.Media == MediaUDP {
		return string(MediaUDP) + "|" + strings.ToLower(u.Endpoint())
	}
	return string(MediaIPC)
}

// TermLength returns the term-length parameter or def when absent.
func (u URI) TermLength(def int32) (int32, error) {
	raw, ok := u.params[ParamTermLength]
	if !ok {
		return def, nil
	}
	n, err := ParseSize(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidParam, ParamTermLength, raw, err)
	}
	if n > 1<<30 {
		return 0, fmt.Errorf("%w: %s=%q exceeds 1g", ErrInvalidParam, ParamTermLength, raw)
	}
	return int32(n), nil
}

// Linger returns the linger parameter or def when absent. Bare integers are nanoseconds.
func (u URI) Linger(def time.Duration) (time.Duration, error) {
	raw, ok := u.params[ParamLinger]
	if !ok {
		return def, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%w: %s=%q is negative", ErrInvalidParam, ParamLinger, raw)
		}
		return time.Duration(n), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidParam, ParamLinger, raw)
	}
	return d, nil
}

// MTU returns the mtu parameter or def when absent.
func (u URI) MTU(def int32) (int32, error) {
	raw, ok := u.params[ParamMTU]
	if !ok {
		return def, nil
	}
	n, err := ParseSize(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidParam, ParamMTU, raw, err)
	}
	if n < 64 || n > 65504 || n%32 != 0 {
		return 0, fmt.Errorf("%w: %s=%d must be a multiple of 32 in [64, 65504]", ErrInvalidParam, ParamMTU, n)
	}
	return int32(n), nil
}

// SessionID returns the fixed session id requested by the channel, if any.
func (u URI) SessionID() (int32, bool, error) {
	raw, ok := u.params[ParamSessionID]
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s=%q", ErrInvalidParam, ParamSessionID, raw)
	}
	return int32(n), true, nil
}

// String renders the uri with parameters in their original order.
func (u URI) String() string {
	var b strings.Builder
	b.WriteString(Prefix)
	b.WriteString(string(u.Media))
	for i, key := range u.keys {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('|')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(u.params[key])
	}
	return b.String()
}

// Keys lists parameter names in sorted order.
func (u URI) Keys() []string {
	out := append([]string(nil), u.keys...)
	sort.Strings(out)
	return out
}

// ParseSize accepts a byte count with an optional k, m or g suffix.
func ParseSize(raw string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, errors.New("empty size")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative size")
	}
	return n * mult, nil
}
