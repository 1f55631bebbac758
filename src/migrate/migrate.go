// Package migrate moves phone-number and agent registrations between AI
// credentials so calls route correctly once a credential saturates. Locking
// is fail-fast: overlapping attempts on the same resource indicate a bug or
// race, so the second caller gets an error instead of queueing.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voxlink-ai/voicebridge/src/locks"
	"github.com/voxlink-ai/voicebridge/src/logger"
	"github.com/voxlink-ai/voicebridge/src/telephony"
)

var (
	// ErrMigrationInProgress is returned when the resource is already locked.
	ErrMigrationInProgress = errors.New("resource is already being migrated")
	// ErrNumberNotFound is returned when no durable record exists.
	ErrNumberNotFound = errors.New("number record not found")
)

// NumberRecord is the durable home of one phone number: where it is
// registered and which agent answers it.
type NumberRecord struct {
	Number       string
	RemoteID     string
	CredentialID string
	AgentID      string
}

// NumberStore persists number records. Save must replace the record
// atomically; readers never observe a half-updated credential/remote-id pair.
type NumberStore interface {
	Get(ctx context.Context, number string) (NumberRecord, error)
	Save(ctx context.Context, rec NumberRecord) error
	List(ctx context.Context) ([]NumberRecord, error)
	ListByAgent(ctx context.Context, agentID string) ([]NumberRecord, error)
}

// RegistrarFactory returns the provider registrar bound to one credential.
type RegistrarFactory func(credentialID string) (telephony.NumberRegistrar, error)

// Migrator executes credential migrations under keyed locks.
type Migrator struct {
	locks      *locks.Keyed
	store      NumberStore
	registrar  RegistrarFactory
	baseURL    string
	verifyWait time.Duration
	log        *logger.Logger
}

// New creates a migrator. baseURL is the public webhook root new
// registrations are pointed at.
func New(l *locks.Keyed, store NumberStore, registrar RegistrarFactory, baseURL string) *Migrator {
	return &Migrator{
		locks:      l,
		store:      store,
		registrar:  registrar,
		baseURL:    baseURL,
		verifyWait: 2 * time.Second,
		log:        logger.WithPrefix("Migrate"),
	}
}

// MigratePhoneNumber moves one number to destCredentialID. Fails fast if the
// number is already mid-migration.
func (m *Migrator) MigratePhoneNumber(ctx context.Context, number, destCredentialID, agentID string) error {
	if !m.locks.TryAcquire(number) {
		return ErrMigrationInProgress
	}
	defer m.locks.Release(number)
	return m.migrateLocked(ctx, number, destCredentialID, agentID)
}

// migrateLocked runs the migration steps. The caller holds whichever lock
// covers this operation; no further locks are taken here, so a bulk sweep
// holding the global lock never holds two locks at once.
func (m *Migrator) migrateLocked(ctx context.Context, number, destCredentialID, agentID string) error {
	rec, err := m.store.Get(ctx, number)
	if err != nil {
		return fmt.Errorf("load record for %s: %w", number, err)
	}

	// Source cleanup is best effort. A stale source registration is caught
	// as a double-registration error at the destination, not here.
	if src, err := m.registrar(rec.CredentialID); err != nil {
		m.log.Warn("No registrar for source credential %s: %v", rec.CredentialID, err)
	} else if exists, sid, err := src.Exists(number); err != nil {
		m.log.Warn("Source existence check failed for %s: %v", number, err)
	} else if exists {
		if err := src.Deregister(sid); err != nil {
			m.log.Warn("Source deregistration of %s failed, continuing: %v", number, err)
		}
	}

	// Destination registration is the step that must succeed.
	dst, err := m.registrar(destCredentialID)
	if err != nil {
		return fmt.Errorf("no registrar for destination credential %s: %w", destCredentialID, err)
	}
	newRemoteID, err := dst.Register(number, m.answerURL())
	if err != nil {
		return fmt.Errorf("register %s on %s: %w", number, destCredentialID, err)
	}

	if err := dst.ConfigureWebhook(newRemoteID, m.answerURL()); err != nil {
		m.log.Warn("Webhook re-point for %s failed, continuing: %v", number, err)
	}
	if agentID != "" {
		if err := dst.AssignToAgent(newRemoteID, agentID, m.baseURL); err != nil {
			m.log.Warn("Agent assignment for %s failed, continuing: %v", number, err)
		}
		rec.AgentID = agentID
	}

	rec.RemoteID = newRemoteID
	rec.CredentialID = destCredentialID
	if err := m.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("persist re-home of %s: %w", number, err)
	}
	m.log.Info("Migrated %s to credential %s (remote id %s)", number, destCredentialID, newRemoteID)
	return nil
}

// MigrateAgent re-homes every number assigned to the agent. The agent id is
// the lock key; individual numbers are not locked separately.
func (m *Migrator) MigrateAgent(ctx context.Context, agentID, destCredentialID string) error {
	if !m.locks.TryAcquire("agent:" + agentID) {
		return ErrMigrationInProgress
	}
	defer m.locks.Release("agent:" + agentID)

	records, err := m.store.ListByAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("list numbers for agent %s: %w", agentID, err)
	}
	for _, rec := range records {
		if rec.CredentialID == destCredentialID {
			continue
		}
		if err := m.migrateLocked(ctx, rec.Number, destCredentialID, agentID); err != nil {
			return err
		}
	}
	return nil
}

// VerifyAndEnsureExists heals drift before outbound batches: if the stored
// remote id no longer exists at the provider, the number is re-imported and
// the record updated. Safe to call repeatedly. Uses the single
// retry-after-wait acquire so a verification racing a just-finished
// migration succeeds instead of failing spuriously.
func (m *Migrator) VerifyAndEnsureExists(ctx context.Context, number string) error {
	if !m.locks.AcquireWithRetry(number, m.verifyWait) {
		return ErrMigrationInProgress
	}
	defer m.locks.Release(number)

	rec, err := m.store.Get(ctx, number)
	if err != nil {
		return fmt.Errorf("load record for %s: %w", number, err)
	}
	reg, err := m.registrar(rec.CredentialID)
	if err != nil {
		return fmt.Errorf("no registrar for credential %s: %w", rec.CredentialID, err)
	}

	exists, sid, err := reg.Exists(number)
	if err != nil {
		return fmt.Errorf("existence check for %s: %w", number, err)
	}
	if exists {
		if sid != rec.RemoteID {
			rec.RemoteID = sid
			if err := m.store.Save(ctx, rec); err != nil {
				return fmt.Errorf("persist remote id of %s: %w", number, err)
			}
		}
		return nil
	}

	newRemoteID, err := reg.Register(number, m.answerURL())
	if err != nil {
		return fmt.Errorf("re-import %s: %w", number, err)
	}
	rec.RemoteID = newRemoteID
	if err := m.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("persist re-import of %s: %w", number, err)
	}
	m.log.Info("Re-imported %s as %s after provider-side deletion", number, newRemoteID)
	return nil
}

// MigrateAllMismatched sweeps every stored number whose credential differs
// from the desired assignment. At most one sweep runs system-wide; if
// another holds the global lock the sweep is skipped and an empty result
// returned, since sweeps are periodic and skipping a cycle is safe.
func (m *Migrator) MigrateAllMismatched(ctx context.Context, desired map[string]string) ([]string, error) {
	if !m.locks.TryAcquire(locks.GlobalBulkKey) {
		return nil, nil
	}
	defer m.locks.Release(locks.GlobalBulkKey)

	records, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list numbers: %w", err)
	}

	var migrated []string
	for _, rec := range records {
		want, ok := desired[rec.Number]
		if !ok || want == rec.CredentialID {
			continue
		}
		if err := m.migrateLocked(ctx, rec.Number, want, rec.AgentID); err != nil {
			m.log.Error("Bulk migration of %s failed: %v", rec.Number, err)
			continue
		}
		migrated = append(migrated, rec.Number)
	}
	return migrated, nil
}

func (m *Migrator) answerURL() string {
	return m.baseURL + "/calls/answer"
}
