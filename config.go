package omemo

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meszmate/omemo-go/backend"
	"github.com/meszmate/omemo-go/storage"
	"github.com/meszmate/omemo-go/trust"
)

// UndecidedPolicy selects how Decrypt treats senders whose identity
// key trust is still undecided.
type UndecidedPolicy int

const (
	// RejectUndecided fails the decryption with ErrUndecided.
	RejectUndecided UndecidedPolicy = iota
	// AllowFlaggedUndecided decrypts and flags the result.
	AllowFlaggedUndecided
)

// SkippedKeysDisabled disables skipped message key storage when set as
// a skipped-key cap.
const SkippedKeysDisabled = -1

const (
	defaultMaxSkippedKeys        = 1000
	defaultPreKeyRefillThreshold = 99

	minRotationPeriod = 7 * 24 * time.Hour
	maxRotationPeriod = 30 * 24 * time.Hour
)

// RegisteredBackend pairs a backend with the codec converting the
// application's plaintext type to the bytes the backend encrypts.
type RegisteredBackend[T any] struct {
	Backend backend.Backend
	Codec   backend.Codec[T]
}

// Config carries everything NewManager needs. Storage, Transport,
// OwnBareJID, DefaultTrustLabel, and at least one backend are
// required; the rest has defaults.
type Config[T any] struct {
	// OwnBareJID is the account this installation belongs to.
	OwnBareJID string

	Storage   storage.KV
	Transport Transport

	// Backends in priority order: encryption picks the first
	// namespace a device supports.
	Backends []RegisteredBackend[T]

	// TrustEvaluator translates stored trust labels into core levels.
	// Defaults to trust.DefaultEvaluator.
	TrustEvaluator trust.Evaluator

	// DefaultTrustLabel is assigned to identity keys on first sight.
	DefaultTrustLabel string

	UndecidedPolicy UndecidedPolicy

	// SignedPreKeyRotationPeriod. Zero samples a period uniformly in
	// [7d, 30d] once at first creation and persists it.
	SignedPreKeyRotationPeriod time.Duration

	// PreKeyRefillThreshold in [25, 100]; zero means 99.
	PreKeyRefillThreshold int

	// Skipped message key caps forwarded to backends. Zero means the
	// default (1000, and per-message = per-session); use
	// SkippedKeysDisabled to disable.
	MaxSkippedKeysPerSession int
	MaxSkippedKeysPerMessage int

	// OwnDeviceLabel is announced in the own device list.
	OwnDeviceLabel string

	Logger zerolog.Logger

	// Clock overrides time.Now, for rotation tests.
	Clock func() time.Time
}

func (c *Config[T]) validate() error {
	if c.Storage == nil {
		return errors.New("omemo: config: Storage is required")
	}
	if c.Transport == nil {
		return errors.New("omemo: config: Transport is required")
	}
	if c.OwnBareJID == "" {
		return errors.New("omemo: config: OwnBareJID is required")
	}
	if len(c.Backends) == 0 {
		return errors.New("omemo: config: at least one backend is required")
	}
	seen := make(map[string]bool, len(c.Backends))
	for _, rb := range c.Backends {
		if rb.Backend == nil || rb.Codec == nil {
			return errors.New("omemo: config: backend registrations need both a backend and a codec")
		}
		ns := rb.Backend.Namespace()
		if seen[ns] {
			return fmt.Errorf("omemo: config: duplicate backend namespace %q", ns)
		}
		seen[ns] = true
	}
	if c.DefaultTrustLabel == "" {
		return errors.New("omemo: config: DefaultTrustLabel is required")
	}
	if p := c.SignedPreKeyRotationPeriod; p != 0 && (p < minRotationPeriod || p > maxRotationPeriod) {
		return fmt.Errorf("omemo: config: rotation period %v outside [%v, %v]", p, minRotationPeriod, maxRotationPeriod)
	}
	if t := c.PreKeyRefillThreshold; t != 0 && (t < 25 || t > backend.MaxPreKeys) {
		return fmt.Errorf("omemo: config: pre key refill threshold %d outside [25, %d]", t, backend.MaxPreKeys)
	}
	if c.MaxSkippedKeysPerSession < SkippedKeysDisabled || c.MaxSkippedKeysPerMessage < SkippedKeysDisabled {
		return errors.New("omemo: config: invalid skipped key cap")
	}
	perSession, perMessage := c.skippedKeyCaps()
	if perMessage > perSession {
		return errors.New("omemo: config: per-message skipped key cap exceeds per-session cap")
	}
	if perSession > 0 && perMessage == 0 {
		return errors.New("omemo: config: per-message skipped key cap of 0 requires a per-session cap of 0")
	}
	return nil
}

// skippedKeyCaps resolves the configured caps to effective values.
func (c *Config[T]) skippedKeyCaps() (perSession, perMessage int) {
	perSession = c.MaxSkippedKeysPerSession
	switch perSession {
	case 0:
		perSession = defaultMaxSkippedKeys
	case SkippedKeysDisabled:
		perSession = 0
	}
	perMessage = c.MaxSkippedKeysPerMessage
	switch perMessage {
	case 0:
		perMessage = perSession
	case SkippedKeysDisabled:
		perMessage = 0
	}
	return perSession, perMessage
}

func (c *Config[T]) refillThreshold() int {
	if c.PreKeyRefillThreshold == 0 {
		return defaultPreKeyRefillThreshold
	}
	return c.PreKeyRefillThreshold
}
