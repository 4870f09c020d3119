package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/toxicbuild/master/common/gerror"
	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
)

type queryBuilder interface {
	ToSQL() (string, []interface{}, error)
}

type tableDescriptor struct {
	tableName         string
	idColName         string
	generationColName string
	createdAtColName  string
	isMutable         bool
}

// ResourceTable is a reflection-driven mapping of one models.Resource type onto one database
// table: it reads the struct's "db" tags to derive column and table names, so each entity store
// (master/store/builds, master/store/buildsets, ...) only has to describe its model once.
// This is a leaner cut of the same pattern: no cursor pagination, no upsert/find-or-create, no
// soft-delete - the master controller's rows are never paged through or soft-deleted, it only
// ever reads a row by id, reads a small filtered list, or writes one row under a lock.
type ResourceTable struct {
	logger.Log
	tableDescriptor
	db *DB
}

func NewResourceTable(db *DB, logFactory logger.LogFactory, resource models.Resource) *ResourceTable {
	desc := mustTableDescriptor(resource, "")
	return &ResourceTable{
		db:              db,
		tableDescriptor: desc,
		Log:             logFactory(fmt.Sprintf("%s_table", desc.tableName)),
	}
}

// MustDBModel verifies a resource model matches our conventions and contains suitable "db" tags.
//   - Model must contain one or more "db" tags
//   - All "db" tags must share a common field prefix e.g. build_ or slave_ etc.
//   - There must be a prefix_id field e.g. build_id or slave_id etc.
//   - If the model is a models.MutableResource it must have a prefix_etag field e.g. build_etag
func MustDBModel(resource models.Resource) {
	mustTableDescriptor(resource, "")
}

func (d *ResourceTable) Dialect() goqu.DialectWrapper {
	return goqu.Dialect(d.db.DriverName())
}

func (d *ResourceTable) TableName() string {
	return d.tableName
}

// ReadByID reads an existing resource, looking it up by ResourceID.
// Returns gerror.ErrCodeNotFound if the resource does not exist.
func (d *ResourceTable) ReadByID(ctx context.Context, txOrNil *Tx, id models.ResourceID, resource models.Resource) error {
	where := goqu.Ex{d.idColName: id}
	return d.ReadIn(ctx, txOrNil, resource, d.Dialect().From(d.tableName).Select(resource).Where(where))
}

// ReadWhere reads an existing resource, looking it up using the supplied where clauses.
// Returns gerror.ErrCodeNotFound if the resource does not exist.
func (d *ResourceTable) ReadWhere(ctx context.Context, txOrNil *Tx, resource models.Resource, where ...goqu.Expression) error {
	return d.ReadIn(ctx, txOrNil, resource, d.Dialect().From(d.tableName).Select(resource).Where(where...))
}


// ReadIn reads an existing resource from the supplied select dataset.
// Returns gerror.ErrCodeNotFound if the resource does not exist.
func (d *ResourceTable) ReadIn(ctx context.Context, txOrNil *Tx, resource models.Resource, ds *goqu.SelectDataset) error {
	ds = ds.Limit(1)
	return d.db.Read2(txOrNil, func(db Reader) error {
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.LogQuery(query, args)
		found, err := db.ScanStructContext(ctx, resource, query, args...)
		if err != nil {
			return MakeStandardDBError(err)
		}
		if !found {
			return gerror.NewErrNotFound("Not Found")
		}
		return nil
	})
}

// ListWhere lists resources matching the supplied where clauses, ordered newest first.
// resources must be a pointer to a slice of the resource type, e.g. &[]*models.Build.
func (d *ResourceTable) ListWhere(ctx context.Context, txOrNil *Tx, resources interface{}, where ...goqu.Expression) error {
	slicePtr := reflect.TypeOf(resources)
	if slicePtr.Kind() != reflect.Ptr || slicePtr.Elem().Kind() != reflect.Slice {
		d.Panicf("expected pointer to slice, found: %T", resources)
	}
	elem := reflect.New(slicePtr.Elem().Elem().Elem()).Interface()
	ds := d.Dialect().From(d.tableName).Select(elem).Where(where...).Order(goqu.C(d.createdAtColName).Desc())
	return d.db.Read2(txOrNil, func(db Reader) error {
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.LogQuery(query, args)
		err = db.ScanStructsContext(ctx, resources, query, args...)
		if err != nil {
			return MakeStandardDBError(err)
		}
		return nil
	})
}

// LockRowForUpdate takes out an exclusive row lock on the row for the specified resource ID.
// Must be called within a transaction. Returns gerror.ErrCodeNotFound if the resource does not exist.
func (d *ResourceTable) LockRowForUpdate(ctx context.Context, tx *Tx, id models.ResourceID) error {
	if tx == nil {
		return fmt.Errorf("error locking database row for resource %q: no transaction specified", id)
	}
	return d.LockRowForUpdateWhere(ctx, tx, goqu.Ex{d.idColName: id})
}

// LockRowForUpdateWhere takes out an exclusive row lock on the first row matching where.
// Must be called within a transaction. Returns gerror.ErrCodeNotFound if the resource does not exist.
func (d *ResourceTable) LockRowForUpdateWhere(ctx context.Context, tx *Tx, where ...goqu.Expression) error {
	if tx == nil {
		return fmt.Errorf("error locking database row for update: no transaction specified")
	}
	if !d.db.SupportsRowLevelLocking() {
		return nil
	}
	return d.db.Read2(tx, func(db Reader) error {
		ds := d.Dialect().From(d.tableName).Select(goqu.C(d.idColName)).Where(where...).ForUpdate(exp.Wait).Limit(1)
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.LogQuery(query, args)
		var resultID string
		found, err := db.ScanValContext(ctx, &resultID, query, args...)
		if err != nil {
			return MakeStandardDBError(err)
		}
		if !found || resultID == "" {
			return gerror.NewErrNotFound("Not Found")
		}
		return nil
	})
}

// MaxUint64 returns the largest value stored in col among rows matching where, or 0 if no row
// matches. Used to assign the next value of a per-repository monotone sequence (Build.Number,
// BuildSet.Number) without a dedicated sequence table.
func (d *ResourceTable) MaxUint64(ctx context.Context, txOrNil *Tx, col string, where ...goqu.Expression) (uint64, error) {
	ds := d.Dialect().From(d.tableName).Select(goqu.MAX(goqu.C(col))).Where(where...)
	var result uint64
	err := d.db.Read2(txOrNil, func(db Reader) error {
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.LogQuery(query, args)
		var max sql.NullInt64
		_, err = db.ScanValContext(ctx, &max, query, args...)
		if err != nil {
			return MakeStandardDBError(err)
		}
		if max.Valid {
			result = uint64(max.Int64)
		}
		return nil
	})
	return result, err
}

// Create a new resource. Returns gerror.ErrCodeAlreadyExists if a resource with a conflicting
// unique property already exists.
func (d *ResourceTable) Create(ctx context.Context, txOrNil *Tx, resource models.Resource) (err error) {
	err = resource.Validate()
	if err != nil {
		return fmt.Errorf("error resource invalid: %w", err)
	}
	mutable, ok := resource.(models.MutableResource)
	if ok {
		hash, err := hashstructure.Hash(resource, hashstructure.FormatV2, nil)
		if err != nil {
			return fmt.Errorf("error calculating resource hash: %w", err)
		}
		mutable.SetETag(models.ETag(fmt.Sprintf("%x", hash)))
		defer func() {
			if err != nil {
				mutable.SetETag("")
			}
		}()
	}
	return d.db.Write2(txOrNil, func(db Writer) error {
		_, err := d.LogInsert(db.Insert(d.tableName).Rows(resource)).Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing create query: %w", MakeStandardDBError(err))
		}
		return nil
	})
}


// UpdateByID updates an existing resource, identified by id, overwriting all columns with the
// supplied model. Applies optimistic locking if the resource is a models.MutableResource.
// Returns gerror.ErrCodeOptimisticLockFailed when a models.MutableResource's update matches no row
// (an ETag mismatch or a missing row), or gerror.ErrCodeDBUpdateNotFound when any other resource's
// row doesn't exist.
func (d *ResourceTable) UpdateByID(ctx context.Context, txOrNil *Tx, resource models.Resource) (err error) {
	err = resource.Validate()
	if err != nil {
		return fmt.Errorf("error resource invalid: %w", err)
	}
	where := []goqu.Expression{goqu.Ex{d.idColName: resource.GetID()}}
	mutable, ok := resource.(models.MutableResource)
	if ok {
		origETag := mutable.GetETag()
		hash, err := hashstructure.Hash(resource, hashstructure.FormatV2, nil)
		if err != nil {
			return fmt.Errorf("error calculating resource hash: %w", err)
		}
		mutable.SetETag(models.ETag(fmt.Sprintf("%x", hash)))
		if origETag != models.ETagAny && origETag != "" {
			where = append(where, goqu.Ex{d.generationColName: origETag})
		}
		defer func() {
			if err != nil {
				mutable.SetETag(origETag)
			}
		}()
	}
	return d.db.Write2(txOrNil, func(db Writer) error {
		res, err := d.LogUpdate(db.Update(d.tableName).Set(resource).Where(where...)).Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing update query: %w", MakeStandardDBError(err))
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("error reading rows affected: %w", MakeStandardDBError(err))
		}
		if rowsAffected == 0 {
			if mutable == nil {
				return gerror.NewErrDBUpdateNotFound(fmt.Sprintf("%s does not exist", resource.GetID()))
			}
			return gerror.NewErrOptimisticLockFailed("ETag does not match")
		}
		return nil
	})
}

func MakeStandardDBError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
			return gerror.NewErrAlreadyExists("Resource already exists").Wrap(sqliteErr)
		}
		if sqliteErr.Code == sqlite3.ErrNotFound {
			return gerror.NewErrNotFound("Resource not found").Wrap(sqliteErr)
		}
	}
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return gerror.NewErrAlreadyExists("Resource already exists").Wrap(pgErr)
		}
		if pgErr.Code == "P0002" {
			return gerror.NewErrNotFound("Resource not found").Wrap(pgErr)
		}
	}
	return err
}

func (d *ResourceTable) LogInsert(ds *goqu.InsertDataset) *goqu.InsertDataset {
	d.logQueryDS(ds)
	return ds
}

func (d *ResourceTable) LogUpdate(ds *goqu.UpdateDataset) *goqu.UpdateDataset {
	d.logQueryDS(ds)
	return ds
}


func (d *ResourceTable) logQueryDS(ds queryBuilder) {
	query, args, err := ds.ToSQL()
	if err != nil {
		d.Errorf("Error generating query: %v", err)
		return
	}
	d.LogQuery(query, args)
}

func (d *ResourceTable) LogQuery(query string, args []interface{}) {
	d.WithFields(logger.Fields{"query": query, "args": args}).Trace()
}

// mustTableDescriptor generates a table descriptor for a resource model. Panics if the model does
// not match our conventions. See MustDBModel for a description of the rules.
func mustTableDescriptor(resource models.Resource, tableNameOverride string) tableDescriptor {
	t := reflect.TypeOf(resource)
	fieldMap := make(map[string]struct{})
	collectDBTags(t, fieldMap)

	fieldPrefix := ""
	for val := range fieldMap {
		candidate := strings.TrimSuffix(val, idColSuffix)
		if fieldPrefix == "" {
			fieldPrefix = candidate
			continue
		}
		k := 0
		for ; k < min(len(candidate), len(fieldPrefix)); k++ {
			if candidate[k] != fieldPrefix[k] {
				k--
				break
			}
		}
		if k <= 0 {
			panic("all db fields must be prefixed with the table name")
		}
		fieldPrefix = candidate[:k]
	}
	if fieldPrefix == "" {
		panic("unable to determine db field prefix")
	}

	expectedFieldExists := map[string]bool{
		makeIDColName(fieldPrefix): false,
	}
	_, isMutable := resource.(models.MutableResource)
	if isMutable {
		expectedFieldExists[makeETagColName(fieldPrefix)] = false
	}
	for val := range fieldMap {
		if _, ok := expectedFieldExists[val]; ok {
			expectedFieldExists[val] = true
		}
	}

	tableName := tableNameOverride
	if tableName == "" {
		tableName = fieldPrefix + "s"
	}
	for field, exists := range expectedFieldExists {
		if !exists {
			panic(fmt.Sprintf("expected %q model to contain a field with a \"db\" tag matching %q", tableName, field))
		}
	}

	return tableDescriptor{
		tableName:         tableName,
		idColName:         makeIDColName(fieldPrefix),
		createdAtColName:  makeCreatedAtFieldName(fieldPrefix),
		generationColName: makeETagColName(fieldPrefix),
		isMutable:         isMutable,
	}
}

func collectDBTags(t reflect.Type, fieldMap map[string]struct{}) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return
	}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Anonymous {
			collectDBTags(field.Type, fieldMap)
		} else {
			val, ok := field.Tag.Lookup(dbTagName)
			if ok && val != "-" {
				fieldMap[val] = struct{}{}
			}
		}
	}
}

const dbTagName = "db"
const idColSuffix = "_id"

func makeIDColName(fieldPrefix string) string {
	return fieldPrefix + idColSuffix
}

const eTagColSuffix = "_etag"

func makeETagColName(fieldPrefix string) string {
	return fieldPrefix + eTagColSuffix
}

const createdAtColSuffix = "_created_at"

func makeCreatedAtFieldName(fieldPrefix string) string {
	return fieldPrefix + createdAtColSuffix
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
