package pkgcore

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Default tuning values, overridable through Options.
const (
	DefaultBusyRetries  = 6
	DefaultBusySleep    = 200 * time.Millisecond
	DefaultLockWait     = 1 * time.Second
	DefaultLockRetries  = 5
)

// Options are the dependencies and tunables for constructing an Engine.
// Command-line flag and config-file parsing that populates this struct is
// out of scope for the core (§1); callers build it directly or from their
// own flag package.
type Options struct {
	// DBDir is the directory holding local.sqlite and per-repo catalog
	// files (§6 "Persisted state layout"). Required.
	DBDir string

	// InstallAsUser relaxes the secure-mode ownership check to also accept
	// the real uid as the DB owner, mirroring the INSTALL_AS_USER
	// environment override (§6). The current euid is accepted either way;
	// ownership by root is not required.
	InstallAsUser bool

	// Epoch overrides the SQL now() scalar function for reproducible
	// installs, mirroring PKG_INSTALL_EPOCH (§6). Zero means "use the
	// real wall clock".
	Epoch time.Time

	// BusyRetries/BusySleep bound the storage engine's transient-busy
	// retry loop (§4.1 "Transactions and savepoints").
	BusyRetries int
	BusySleep   time.Duration

	// LockWait/LockRetries bound the lock manager's stale-holder retry
	// loop (§4.4, §5).
	LockWait    time.Duration
	LockRetries int

	// CaseSensitive toggles query collation and regex flags (§4.1
	// "Queries"). Default is case-insensitive, matching the mandatory
	// case-insensitive index on packages.name.
	CaseSensitive bool
}

// Parse fills in defaults and validates required fields, applying the
// environment overrides named in §6.
func (o *Options) Parse() error {
	if o.DBDir == "" {
		return fmt.Errorf("pkgcore: Options.DBDir not provided")
	}
	if o.BusyRetries == 0 {
		o.BusyRetries = DefaultBusyRetries
	}
	if o.BusySleep == 0 {
		o.BusySleep = DefaultBusySleep
	}
	if o.LockWait == 0 {
		o.LockWait = DefaultLockWait
	}
	if o.LockRetries == 0 {
		o.LockRetries = DefaultLockRetries
	}
	if v, ok := os.LookupEnv("PKG_INSTALL_EPOCH"); ok && o.Epoch.IsZero() {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("pkgcore: PKG_INSTALL_EPOCH: %w", err)
		}
		o.Epoch = time.Unix(sec, 0).UTC()
	}
	if _, ok := os.LookupEnv("INSTALL_AS_USER"); ok {
		o.InstallAsUser = true
	}
	return nil
}

// Now returns the effective "current time" for this Engine: the real wall
// clock, unless overridden by Options.Epoch / PKG_INSTALL_EPOCH.
func (o *Options) Now() time.Time {
	if o.Epoch.IsZero() {
		return time.Now()
	}
	return o.Epoch
}
