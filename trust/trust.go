// Package trust stores and evaluates trust in remote identity keys.
//
// Trust attaches to (bare JID, identity key) pairs, never to device
// ids: a key that moves between devices of the same account keeps its
// decision. Stored values are application-defined labels; a callback
// translates labels into the three levels the session manager acts on.
package trust

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/meszmate/omemo-go/storage"
)

// Level is the core trust level derived from an application label.
type Level int

const (
	Undecided Level = iota
	Trusted
	Distrusted
)

func (l Level) String() string {
	switch l {
	case Trusted:
		return "trusted"
	case Distrusted:
		return "distrusted"
	default:
		return "undecided"
	}
}

// Evaluator translates an application-defined trust label into a core
// level.
type Evaluator func(ctx context.Context, bareJID string, identityKey []byte, label string) (Level, error)

// DefaultEvaluator maps the labels "trusted" and "distrusted" to their
// levels and everything else to Undecided.
func DefaultEvaluator(_ context.Context, _ string, _ []byte, label string) (Level, error) {
	switch label {
	case "trusted":
		return Trusted, nil
	case "distrusted":
		return Distrusted, nil
	default:
		return Undecided, nil
	}
}

// Engine reads and writes trust entries and evaluates them through the
// application's evaluator.
type Engine struct {
	bucket       storage.Bucket
	defaultLabel string
	eval         Evaluator
}

// NewEngine creates a trust engine. New identity keys are inserted with
// defaultLabel on first evaluation.
func NewEngine(bucket storage.Bucket, defaultLabel string, eval Evaluator) *Engine {
	if eval == nil {
		eval = DefaultEvaluator
	}
	return &Engine{bucket: bucket, defaultLabel: defaultLabel, eval: eval}
}

func keyID(identityKey []byte) string {
	return hex.EncodeToString(identityKey)
}

// Label returns the stored label for the pair, inserting the default
// label on first sight.
func (e *Engine) Label(ctx context.Context, bareJID string, identityKey []byte) (string, error) {
	data, err := e.bucket.LoadBytes(ctx, bareJID, keyID(identityKey))
	if errors.Is(err, storage.ErrNotFound) {
		if err := e.Set(ctx, bareJID, identityKey, e.defaultLabel); err != nil {
			return "", err
		}
		return e.defaultLabel, nil
	}
	if err != nil {
		return "", fmt.Errorf("trust: loading entry: %w", err)
	}
	return string(data), nil
}

// Evaluate resolves the core level for the pair, inserting the default
// label on first sight.
func (e *Engine) Evaluate(ctx context.Context, bareJID string, identityKey []byte) (Level, error) {
	label, err := e.Label(ctx, bareJID, identityKey)
	if err != nil {
		return Undecided, err
	}
	return e.eval(ctx, bareJID, identityKey, label)
}

// Set overwrites the label for the pair.
func (e *Engine) Set(ctx context.Context, bareJID string, identityKey []byte, label string) error {
	if err := e.bucket.StoreBytes(ctx, []byte(label), bareJID, keyID(identityKey)); err != nil {
		return fmt.Errorf("trust: storing entry: %w", err)
	}
	return nil
}

// PurgeJID removes every entry stored for the bare JID.
func (e *Engine) PurgeJID(ctx context.Context, bareJID string) error {
	if err := e.bucket.DeletePrefix(ctx, bareJID); err != nil {
		return fmt.Errorf("trust: purging %s: %w", bareJID, err)
	}
	return nil
}
