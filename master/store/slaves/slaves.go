package slaves

import (
	"context"

	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/store"
)

func init() {
	_ = models.MutableResource(&models.Slave{})
	store.MustDBModel(&models.Slave{})
}

// SlaveStore persists models.Slave rows. All mutations (queue accounting, running-repo set,
// instance host/port) go through Read + LockRowForUpdate + Update inside one transaction, the
// database-row half of the per-slave write-lock; the other half, the Go-level named mutex that
// master/services/slave holds around every such mutation on any database, is that service's
// responsibility, not the store's.
type SlaveStore struct {
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *SlaveStore {
	return &SlaveStore{
		table: store.NewResourceTable(db, logFactory, &models.Slave{}),
	}
}

// Create a new slave. Returns gerror.ErrCodeAlreadyExists on a unique-property conflict.
func (s *SlaveStore) Create(ctx context.Context, txOrNil *store.Tx, slave *models.Slave) error {
	return s.table.Create(ctx, txOrNil, slave)
}

// Read an existing slave, looking it up by id. Returns gerror.ErrCodeNotFound if missing.
func (s *SlaveStore) Read(ctx context.Context, txOrNil *store.Tx, id models.SlaveID) (*models.Slave, error) {
	slave := &models.Slave{}
	return slave, s.table.ReadByID(ctx, txOrNil, id.ResourceID, slave)
}

// Update an existing slave with optimistic locking, overriding all previous column values.
func (s *SlaveStore) Update(ctx context.Context, txOrNil *store.Tx, slave *models.Slave) error {
	return s.table.UpdateByID(ctx, txOrNil, slave)
}

// LockRowForUpdate takes out an exclusive row lock on the slave's row. Must be called within a
// transaction.
func (s *SlaveStore) LockRowForUpdate(ctx context.Context, tx *store.Tx, id models.SlaveID) error {
	return s.table.LockRowForUpdate(ctx, tx, id.ResourceID)
}

// ListAll returns every known slave.
func (s *SlaveStore) ListAll(ctx context.Context, txOrNil *store.Tx) ([]*models.Slave, error) {
	var out []*models.Slave
	err := s.table.ListWhere(ctx, txOrNil, &out)
	return out, err
}

