// Package job holds transfer jobs registered by the control plane: the
// record format, the table keyed by one-time secret, and the workers attached
// to each job.
package job

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/xferd/internal/crypt"
)

// Request types understood on the command channel.
const (
	RequestTransfer = "uftp-transfer-request"
	RequestPing     = "uftp-ping-request"
	RequestUserInfo = "uftp-get-user-info-request"
)

// DefaultGID stands for "all supplementary groups of the user" when a request
// names only a primary group.
const DefaultGID = "DEFAULT_GID"

// AccessLevel orders what a session may do.
type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessInfo
	AccessRead
	AccessWrite
	AccessFull
)

var accessNames = [...]string{"NONE", "INFO", "READ", "WRITE", "FULL"}

func (a AccessLevel) String() string {
	if a < AccessNone || a > AccessFull {
		return "AccessLevel(" + strconv.Itoa(int(a)) + ")"
	}
	return accessNames[a]
}

// ParseAccessLevel maps a level name (case-insensitive) to its value. An empty
// name grants full access.
func ParseAccessLevel(s string) (AccessLevel, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return AccessFull, nil
	}
	for i, name := range accessNames {
		if name == s {
			return AccessLevel(i), nil
		}
	}
	return AccessNone, fmt.Errorf("job: unknown access level %q", s)
}

// ErrInvalidRequest reports a malformed control plane request.
var ErrInvalidRequest = errors.New("job: invalid request")

// Request is a parsed key=value control plane message.
type Request map[string]string

// ParseRequest builds a Request from lines. Lines without '=' are ignored and
// a line starting with END stops parsing.
func ParseRequest(lines []string) Request {
	req := make(Request, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(line, "END") {
			break
		}
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		req[key] = value
	}
	return req
}

// Type returns the request-type value.
func (r Request) Type() string {
	return r["request-type"]
}

// Job is one registered transfer authorization. The exported fields are
// immutable once the job is in a Table and travel to out-of-process session
// runners as JSON.
type Job struct {
	ID        string      `json:"id"`
	Secret    string      `json:"secret"`
	User      string      `json:"user"`
	Groups    []string    `json:"groups"`
	File      string      `json:"file,omitempty"`
	Includes  []string    `json:"includes,omitempty"`
	Excludes  []string    `json:"excludes,omitempty"`
	Key       []byte      `json:"key,omitempty"`
	Algorithm string      `json:"algo,omitempty"`
	Compress  bool        `json:"compress,omitempty"`
	RateLimit int64       `json:"rateLimit,omitempty"`
	Access    AccessLevel `json:"access"`
	Streams   int         `json:"streams,omitempty"`
	ClientIPs []string    `json:"clientIPs,omitempty"`
	Expires   time.Time   `json:"expires"`

	mu      sync.Mutex
	workers []Worker
	removed bool
}

// Parse builds a Job from a transfer request.
func Parse(req Request) (*Job, error) {
	user := strings.TrimSpace(req["user"])
	if user == "" {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidRequest)
	}
	secret := req["secret"]
	if secret == "" {
		return nil, fmt.Errorf("%w: missing secret", ErrInvalidRequest)
	}
	j := &Job{
		ID:        xid.New().String(),
		Secret:    secret,
		User:      user,
		File:      req["file"],
		Includes:  splitList(req["includes"], ":"),
		Excludes:  splitList(req["excludes"], ":"),
		Compress:  parseBool(req["compress"]),
		ClientIPs: splitList(req["client-ip"], ","),
		Streams:   1,
	}
	group := req["group"]
	if group == "" {
		group = "NONE"
	}
	j.Groups = strings.Split(group, ":")
	if len(j.Groups) == 1 {
		j.Groups = append(j.Groups, DefaultGID)
	}
	access, err := ParseAccessLevel(req["access-permissions"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	j.Access = access
	if v := strings.TrimSpace(req["rateLimit"]); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			j.RateLimit = n
		}
	}
	if v := strings.TrimSpace(req["streams"]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: streams %q", ErrInvalidRequest, v)
		}
		j.Streams = n
	}
	if v := strings.TrimSpace(req["key"]); v != "" {
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("%w: key: %v", ErrInvalidRequest, err)
		}
		j.Key = key
		j.Algorithm = crypt.NormalizeAlgorithm(req["algo"])
		if err := crypt.Validate(j.Key, j.Algorithm); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return j, nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1", "on":
		return true
	}
	return false
}

// Encrypted reports whether data channels of this job carry ciphertext.
func (j *Job) Encrypted() bool {
	return len(j.Key) > 0
}

// AllowsClient reports whether ip may log in for this job. A job without a
// client list accepts any peer.
func (j *Job) AllowsClient(ip string) bool {
	if len(j.ClientIPs) == 0 {
		return true
	}
	for _, allowed := range j.ClientIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}

// Workers returns the number of attached workers.
func (j *Job) Workers() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.workers)
}

// Worker is a running session attached to a job.
type Worker interface {
	ID() string
	// Done is closed when the session has ended.
	Done() <-chan struct{}
}
