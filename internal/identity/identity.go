// Package identity resolves the operating system identity a session acts as.
//
// A Capability is obtained before any file I/O happens on behalf of a job. When
// the daemon is privileged the capability carries the uid, gid and
// supplementary groups the session process must switch to; otherwise sessions
// run as the daemon's own user.
package identity

import (
	"errors"
	"fmt"
	"os/user"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/clock"
	"pkt.systems/xferd/internal/job"
	"pkt.systems/xferd/internal/svcfields"
)

// NoGroup selects the user's operating system defaults.
const NoGroup = "NONE"

// DefaultCacheTTL bounds how long user and group lookups are reused.
const DefaultCacheTTL = 10 * time.Minute

var (
	// ErrUnknownUser is returned for users the system does not know.
	ErrUnknownUser = errors.New("identity: unknown user")
	// ErrRoot is returned when a job asks to act as uid 0.
	ErrRoot = errors.New("identity: attempted to select 'root'")
	// ErrUnknownGroup is returned for a group that cannot be resolved.
	ErrUnknownGroup = errors.New("identity: unknown group")
	// ErrNotMember is returned when a requested group is not one of the user's.
	ErrNotMember = errors.New("identity: not a member of group")
	// ErrRootWithoutSwitch refuses to run sessions as root.
	ErrRootWithoutSwitch = errors.New("identity: running as root without switching identity is not allowed")
)

// Identity is a resolved user.
type Identity struct {
	User   string
	UID    uint32
	GID    uint32
	Groups []uint32
	Home   string
}

// Capability is a resolved identity plus whether a session has to switch to it.
type Capability struct {
	Identity
	// Switch is true when the session must run with Identity's credentials
	// rather than the daemon's.
	Switch bool
}

// Credential returns the process credential for an identity switching child.
func (c *Capability) Credential() *syscall.Credential {
	if c == nil || !c.Switch {
		return nil
	}
	return &syscall.Credential{
		Uid:    c.UID,
		Gid:    c.GID,
		Groups: slices.Clone(c.Groups),
	}
}

// Env returns the environment entries a session of this identity sees.
func (c *Capability) Env() []string {
	return []string{"HOME=" + c.Home, "USER=" + c.User, "LOGNAME=" + c.User}
}

// Config tunes a Resolver.
type Config struct {
	// SwitchUID forces identity switching even when not running as root.
	SwitchUID bool
	// EnforceOSGroups limits requested groups to those the user belongs to.
	EnforceOSGroups bool
	// FailOnInvalidGroups turns unknown or foreign groups into errors instead
	// of silently falling back to the user's defaults.
	FailOnInvalidGroups bool
	CacheTTL            time.Duration
	Clock               clock.Clock
	Logger              pslog.Logger
}

// DefaultConfig mirrors the daemon defaults.
func DefaultConfig() Config {
	return Config{EnforceOSGroups: true, FailOnInvalidGroups: true, CacheTTL: DefaultCacheTTL}
}

// Directory is the user and group database.
type Directory interface {
	LookupUser(name string) (*user.User, error)
	LookupGroup(name string) (*user.Group, error)
	GroupIDs(u *user.User) ([]string, error)
}

type osDirectory struct{}

func (osDirectory) LookupUser(name string) (*user.User, error)   { return user.Lookup(name) }
func (osDirectory) LookupGroup(name string) (*user.Group, error) { return user.LookupGroup(name) }
func (osDirectory) GroupIDs(u *user.User) ([]string, error)      { return u.GroupIds() }

type cachedUser struct {
	identity Identity
	gids     []uint32
	at       time.Time
}

type cachedGroup struct {
	gid uint32
	at  time.Time
}

// Resolver turns job users and groups into capabilities. It is safe for
// concurrent use.
type Resolver struct {
	cfg    Config
	dir    Directory
	euid   int
	logger pslog.Logger

	mu     sync.Mutex
	users  map[string]cachedUser
	groups map[string]cachedGroup
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithDirectory replaces the operating system user database.
func WithDirectory(d Directory) Option {
	return func(r *Resolver) { r.dir = d }
}

// WithEffectiveUID overrides the detected effective uid.
func WithEffectiveUID(euid int) Option {
	return func(r *Resolver) { r.euid = euid }
}

// NewResolver builds a Resolver for the current process.
func NewResolver(cfg Config, opts ...Option) *Resolver {
	cfg.Clock = clock.Or(cfg.Clock)
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	r := &Resolver{
		cfg:    cfg,
		dir:    osDirectory{},
		euid:   unix.Geteuid(),
		logger: svcfields.WithSubsystem(cfg.Logger, "identity.resolver"),
		users:  make(map[string]cachedUser),
		groups: make(map[string]cachedGroup),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Privileged reports whether sessions switch identity.
func (r *Resolver) Privileged() bool {
	return r.cfg.SwitchUID || r.euid == 0
}

// Describe logs how sessions will be launched.
func (r *Resolver) Describe() {
	if r.Privileged() {
		r.logger.Info("identity.privileged", "euid", r.euid)
	} else {
		r.logger.Info("identity.unprivileged", "euid", r.euid)
	}
	r.logger.Info("identity.groups", "enforce_os_groups", r.cfg.EnforceOSGroups, "fail_on_invalid", r.cfg.FailOnInvalidGroups)
}

// Lookup resolves name with the user's default groups.
func (r *Resolver) Lookup(name string) (Identity, error) {
	u, err := r.user(name)
	if err != nil {
		return Identity{}, err
	}
	return u.identity, nil
}

// Acquire resolves the capability for a job's user and requested groups. The
// first group selects the primary gid; "NONE" keeps the user's defaults and
// "DEFAULT_GID" stands for all of the user's groups.
func (r *Resolver) Acquire(name string, groups []string) (*Capability, error) {
	if !r.Privileged() {
		if r.euid == 0 {
			return nil, ErrRootWithoutSwitch
		}
		c := &Capability{Identity: Identity{User: name, UID: uint32(r.euid)}}
		if u, err := r.user(name); err == nil {
			c.Home = u.identity.Home
			c.GID = u.identity.GID
		}
		return c, nil
	}
	u, err := r.user(name)
	if err != nil {
		return nil, err
	}
	if u.identity.UID == 0 {
		return nil, ErrRoot
	}
	id := u.identity
	primary := NoGroup
	if len(groups) > 0 {
		primary = groups[0]
	}
	if primary == NoGroup {
		id.Groups = slices.Clone(u.gids)
	} else {
		if id.GID, err = r.primaryGroup(primary, u); err != nil {
			return nil, err
		}
		if id.Groups, err = r.supplementaryGroups(groups, id.GID, u); err != nil {
			return nil, err
		}
	}
	// The primary gid is always in the list; an empty list would leave the
	// parent's supplementary groups in place.
	if !slices.Contains(id.Groups, id.GID) {
		id.Groups = append([]uint32{id.GID}, id.Groups...)
	}
	r.logger.Debug("identity.acquired", "user", id.User, "uid", id.UID, "gid", id.GID, "groups", id.Groups)
	return &Capability{Identity: id, Switch: true}, nil
}

func (r *Resolver) primaryGroup(name string, u cachedUser) (uint32, error) {
	if name == job.DefaultGID {
		return u.identity.GID, nil
	}
	gid, err := r.group(name)
	if err != nil {
		if r.cfg.FailOnInvalidGroups {
			return 0, fmt.Errorf("%w: primary group %s", ErrUnknownGroup, name)
		}
		r.logger.Debug("identity.group.fallback", "group", name, "user", u.identity.User)
		return u.identity.GID, nil
	}
	if !r.member(gid, u) {
		if r.cfg.FailOnInvalidGroups {
			return 0, fmt.Errorf("%w: user %s, group %s", ErrNotMember, u.identity.User, name)
		}
		r.logger.Debug("identity.group.fallback", "group", name, "user", u.identity.User)
		return u.identity.GID, nil
	}
	return gid, nil
}

func (r *Resolver) supplementaryGroups(names []string, primary uint32, u cachedUser) ([]uint32, error) {
	out := []uint32{primary}
	addedDefault := false
	for _, name := range names {
		if name == job.DefaultGID {
			if !addedDefault {
				addedDefault = true
				out = append(out, u.gids...)
			}
			continue
		}
		gid, err := r.group(name)
		if err != nil {
			if r.cfg.FailOnInvalidGroups {
				return nil, fmt.Errorf("%w: supplementary group %s", ErrUnknownGroup, name)
			}
			continue
		}
		if !r.member(gid, u) {
			if r.cfg.FailOnInvalidGroups {
				return nil, fmt.Errorf("%w: user %s, group %s", ErrNotMember, u.identity.User, name)
			}
			continue
		}
		out = append(out, gid)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func (r *Resolver) member(gid uint32, u cachedUser) bool {
	if !r.cfg.EnforceOSGroups || gid == u.identity.GID {
		return true
	}
	return slices.Contains(u.gids, gid)
}

func (r *Resolver) fresh(at time.Time) bool {
	return r.cfg.Clock.Now().Sub(at) < r.cfg.CacheTTL
}

func (r *Resolver) user(name string) (cachedUser, error) {
	r.mu.Lock()
	if c, ok := r.users[name]; ok && r.fresh(c.at) {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	u, err := r.dir.LookupUser(name)
	if err != nil {
		return cachedUser{}, fmt.Errorf("%w: %s", ErrUnknownUser, name)
	}
	uid, err := parseID(u.Uid)
	if err != nil {
		return cachedUser{}, fmt.Errorf("identity: user %s: %w", name, err)
	}
	gid, err := parseID(u.Gid)
	if err != nil {
		return cachedUser{}, fmt.Errorf("identity: user %s: %w", name, err)
	}
	c := cachedUser{
		identity: Identity{User: name, UID: uid, GID: gid, Home: u.HomeDir},
		at:       r.cfg.Clock.Now(),
	}
	ids, err := r.dir.GroupIDs(u)
	if err != nil {
		r.logger.Warn("identity.groups.lookup_failed", "user", name, "error", err)
	}
	for _, raw := range ids {
		if g, err := parseID(raw); err == nil {
			c.gids = append(c.gids, g)
		}
	}
	if !slices.Contains(c.gids, gid) {
		c.gids = append(c.gids, gid)
	}
	r.mu.Lock()
	r.users[name] = c
	r.mu.Unlock()
	return c, nil
}

func (r *Resolver) group(name string) (uint32, error) {
	r.mu.Lock()
	if c, ok := r.groups[name]; ok && r.fresh(c.at) {
		r.mu.Unlock()
		return c.gid, nil
	}
	r.mu.Unlock()
	g, err := r.dir.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	gid, err := parseID(g.Gid)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.groups[name] = cachedGroup{gid: gid, at: r.cfg.Clock.Now()}
	r.mu.Unlock()
	return gid, nil
}

func parseID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint32(n), nil
}
